package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, 7, cfg.LabJack.AnalogInputs)
	assert.Equal(t, uint16(5000), cfg.LabJack.DAC0Register)
	assert.Equal(t, uint16(5002), cfg.LabJack.DAC1Register)
	assert.Equal(t, "ES03010", cfg.PowerSupply.Model)
	assert.Equal(t, "FIO0", cfg.PowerSupply.VoltageMonitor)
	assert.Equal(t, "FIO1", cfg.PowerSupply.CurrentMonitor)
	assert.Equal(t, "DAC0", cfg.PowerSupply.CurrentProgram)
	assert.Equal(t, 0.1, cfg.PowerSupply.CorrectionFactor)
	assert.Equal(t, GaugeModeSerial, cfg.Gauge.Mode)
	assert.Equal(t, 9600, cfg.Gauge.BaudRate)
	assert.Equal(t, 150*time.Millisecond, cfg.Stepper.BurstPulse)
	assert.Len(t, cfg.Stepper.TurnAround, 2)
	assert.Len(t, cfg.Anneal.Steps, 1)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Gauge.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
labjack:
  serial_number: 320012345
  analog_inputs: 4

power_supply:
  model: SM7022
  correction_factor: 0.05
  max_current: 6

gauge:
  mode: analog
  port: "/dev/ttyS1"
  analog_input: FIO3
  poll_interval: 250ms

anneal:
  steps:
    - current: 2.5
      rate: 0.1
      hold: 5m
    - current: 4
      rate: 0.05
      hold: 30s
  cooldown_rate: 0.2
  pause_pressure: 2e-8
  resume_pressure: 1e-8
  trip_pressure: 1e-7
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, uint32(320012345), cfg.LabJack.SerialNumber)
	assert.Equal(t, 4, cfg.LabJack.AnalogInputs)
	assert.Equal(t, "SM7022", cfg.PowerSupply.Model)
	assert.Equal(t, 0.05, cfg.PowerSupply.CorrectionFactor)
	assert.Equal(t, float64(6), cfg.PowerSupply.MaxCurrent)
	assert.Equal(t, GaugeModeAnalog, cfg.Gauge.Mode)
	assert.Equal(t, "FIO3", cfg.Gauge.AnalogInput)
	assert.Equal(t, 250*time.Millisecond, cfg.Gauge.PollInterval)
	require.Len(t, cfg.Anneal.Steps, 2)
	assert.Equal(t, 2.5, cfg.Anneal.Steps[0].Current)
	assert.Equal(t, 5*time.Minute, cfg.Anneal.Steps[0].Hold)
	assert.Equal(t, 0.2, cfg.Anneal.CooldownRate)
	assert.Equal(t, 1e-7, cfg.Anneal.TripPressure)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
gauge:
  port: "/dev/ttyACM0"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM0", cfg.Gauge.Port)
	assert.Equal(t, "ES03010", cfg.PowerSupply.Model)
	assert.Equal(t, float64(600), cfg.Monitor.WindowSeconds)
	assert.Equal(t, "FIO0", cfg.Stepper.CableWiring["brown"])
}

func TestLoad_TablesReplaceDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
stepper:
  turn_around:
    back_to_fwd:
      - direction: back
        steps: 20
  ratios:
    up: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Stepper.TurnAround, 1)
	assert.NotContains(t, cfg.Stepper.TurnAround, "fwd_to_back")
	assert.Equal(t, []MoveConfig{{Direction: "back", Steps: 20}}, cfg.Stepper.TurnAround["back_to_fwd"])
	assert.Equal(t, map[string]float64{"up": 2}, cfg.Stepper.Ratios)

	// Tables the file leaves out keep their defaults
	assert.Equal(t, Default().Stepper.CableWiring, cfg.Stepper.CableWiring)
	assert.Equal(t, Default().Stepper.ControllerPins, cfg.Stepper.ControllerPins)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Gauge.Port = "/dev/ttyUSB3"
	cfg.Monitor.WindowSeconds = 15
	cfg.Anneal.Steps = append(cfg.Anneal.Steps, StepConfig{Current: 3, Rate: 0.1, Hold: time.Minute})

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", loaded.Gauge.Port)
	assert.Equal(t, float64(15), loaded.Monitor.WindowSeconds)
	assert.Equal(t, cfg.Anneal.Steps, loaded.Anneal.Steps)
	assert.Equal(t, cfg.Stepper.TurnAround, loaded.Stepper.TurnAround)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown gauge mode", func(c *Config) { c.Gauge.Mode = "usb" }, "unknown gauge.mode"},
		{"gauge channel", func(c *Config) { c.Gauge.Channel = 3 }, "gauge.channel"},
		{"resume above pause", func(c *Config) { c.Anneal.ResumePressure = 1e-7 }, "resume_pressure"},
		{"pause above trip", func(c *Config) { c.Anneal.PausePressure = 1e-6 }, "pause_pressure"},
		{"negative current", func(c *Config) { c.Anneal.Steps[0].Current = -1 }, "negative current"},
		{"zero rate", func(c *Config) { c.Anneal.Steps[0].Rate = 0 }, "rate must be positive"},
		{"negative max current", func(c *Config) { c.PowerSupply.MaxCurrent = -2 }, "max_current"},
		{"too many analog inputs", func(c *Config) { c.LabJack.AnalogInputs = 17 }, "analog_inputs"},
		{"unknown supply model", func(c *Config) { c.PowerSupply.Model = "NOSUCHPSU" }, "power_supply.model"},
		{"model spelled with dash", func(c *Config) { c.PowerSupply.Model = "sm-7022" }, ""},
		{"negative control interval", func(c *Config) { c.Anneal.ControlInterval = -time.Second }, "control_interval"},
		{"zero sample interval", func(c *Config) { c.Anneal.SampleInterval = 0 }, "sample_interval"},
		{"zero poll interval", func(c *Config) { c.Gauge.PollInterval = 0 }, "poll_interval"},
		{"negative gauge timeout", func(c *Config) { c.Gauge.Timeout = -time.Second }, "gauge.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
