package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gauge readout modes.
const (
	GaugeModeSerial = "serial"
	GaugeModeAnalog = "analog"
)

// PowerSupplyModels are the supply models with built-in ratings.
var PowerSupplyModels = []string{"ES03010", "SM7022"}

// NormalizeModel maps "es-03010" style names to the canonical model name.
func NormalizeModel(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
}

func knownModel(name string) bool {
	name = NormalizeModel(name)
	for _, m := range PowerSupplyModels {
		if m == name {
			return true
		}
	}
	return false
}

// Config represents the application configuration.
type Config struct {
	LabJack     LabJackConfig     `yaml:"labjack"`
	PowerSupply PowerSupplyConfig `yaml:"power_supply"`
	Gauge       GaugeConfig       `yaml:"gauge"`
	Stepper     StepperConfig     `yaml:"stepper"`
	Anneal      AnnealConfig      `yaml:"anneal"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Record      RecordConfig      `yaml:"record"`
	Log         LogConfig         `yaml:"log"`
	Mock        MockConfig        `yaml:"mock"`
}

// LabJackConfig selects and configures the U3.
type LabJackConfig struct {
	SerialNumber uint32 `yaml:"serial_number"` // 0 opens the first U3 found
	AnalogInputs int    `yaml:"analog_inputs"` // Number of FIO/EIO lines configured as analog inputs
	DAC0Register uint16 `yaml:"dac0_register"`
	DAC1Register uint16 `yaml:"dac1_register"`
	ModbusDAC    bool   `yaml:"modbus_dac"` // Program DACs through Modbus registers instead of Feedback
}

// PowerSupplyConfig describes the Delta Elektronika supply and how it is wired to the U3.
type PowerSupplyConfig struct {
	Model            string  `yaml:"model"`
	VoltageMonitor   string  `yaml:"voltage_monitor"`
	CurrentMonitor   string  `yaml:"current_monitor"`
	CurrentProgram   string  `yaml:"current_program"`
	CorrectionFactor float64 `yaml:"correction_factor"`
	MaxCurrent       float64 `yaml:"max_current"` // Software current limit (A), 0 uses the model limit
}

// GaugeConfig contains the PKR251 readout configuration.
type GaugeConfig struct {
	Mode         string        `yaml:"mode"`
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	Channel      int           `yaml:"channel"`
	Unit         string        `yaml:"unit"`
	AnalogInput  string        `yaml:"analog_input"` // U3 terminal carrying the gauge analog output
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StepperConfig contains the piezo controller wiring and calibration.
//
// The wiring is a chain of tables: controller function -> DSUB9 pin ->
// cable colour -> U3 terminal label. It mirrors the physical setup and has
// to be changed whenever the cabling changes.
type StepperConfig struct {
	ControllerPins map[string]string       `yaml:"controller_pins"`
	DSUB9Pins      map[string]string       `yaml:"dsub9_pins"`
	CableWiring    map[string]string       `yaml:"cable_wiring"`
	StepPulse      time.Duration           `yaml:"step_pulse"`
	BurstPulse     time.Duration           `yaml:"burst_pulse"`
	StepPause      time.Duration           `yaml:"step_pause"`
	TurnAround     map[string][]MoveConfig `yaml:"turn_around"`
	Ratios         map[string]float64      `yaml:"ratios"`
}

// MoveConfig is a number of bursts along one direction.
type MoveConfig struct {
	Direction string `yaml:"direction"`
	Steps     int    `yaml:"steps"`
}

// AnnealConfig contains the current recipe and the pressure interlock.
type AnnealConfig struct {
	Steps           []StepConfig  `yaml:"steps"`
	CooldownRate    float64       `yaml:"cooldown_rate"` // A/s
	ControlInterval time.Duration `yaml:"control_interval"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	PausePressure   float64       `yaml:"pause_pressure"`  // mbar
	ResumePressure  float64       `yaml:"resume_pressure"` // mbar
	TripPressure    float64       `yaml:"trip_pressure"`   // mbar
	AverageSamples  int           `yaml:"average_samples"` // 0 = disabled
}

// StepConfig is a ramp to Current at Rate followed by a hold.
type StepConfig struct {
	Current float64       `yaml:"current"` // A
	Rate    float64       `yaml:"rate"`    // A/s
	Hold    time.Duration `yaml:"hold"`
}

// MonitorConfig contains pressure monitoring parameters.
type MonitorConfig struct {
	WindowSeconds        float64 `yaml:"window_seconds"`
	ExcursionPressure    float64 `yaml:"excursion_pressure"`     // mbar
	MinExcursionDuration float64 `yaml:"min_excursion_duration"` // seconds, filters spikes
}

// RecordConfig contains the run database location.
type RecordConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MockConfig contains simulated hardware configuration.
type MockConfig struct {
	BasePressure      float64       `yaml:"base_pressure"`      // mbar
	OutgassingGain    float64       `yaml:"outgassing_gain"`    // mbar per W
	PumpTimeConstant  time.Duration `yaml:"pump_time_constant"` // Pressure relaxation time
	LoadResistance    float64       `yaml:"load_resistance"`    // Ohm, sample heater
	NoiseLevel        float64       `yaml:"noise_level"`        // Relative pressure noise
	SampleRate        time.Duration `yaml:"sample_rate"`
	ControllerSetting string        `yaml:"controller_setting"` // Simulated piezo controller mode
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		LabJack: LabJackConfig{
			SerialNumber: 0,
			AnalogInputs: 7,
			DAC0Register: 5000,
			DAC1Register: 5002,
			ModbusDAC:    false,
		},
		PowerSupply: PowerSupplyConfig{
			Model:            "ES03010",
			VoltageMonitor:   "FIO0",
			CurrentMonitor:   "FIO1",
			CurrentProgram:   "DAC0",
			CorrectionFactor: 0.1,
		},
		Gauge: GaugeConfig{
			Mode:         GaugeModeSerial,
			Port:         "/dev/ttyUSB0",
			BaudRate:     9600,
			Channel:      1,
			Unit:         "mbar",
			AnalogInput:  "FIO2",
			PollInterval: 500 * time.Millisecond,
			Timeout:      2 * time.Second,
		},
		Stepper: DefaultStepper(),
		Anneal: AnnealConfig{
			Steps: []StepConfig{
				{Current: 1.0, Rate: 0.05, Hold: 10 * time.Minute},
			},
			CooldownRate:    0.05,
			ControlInterval: 200 * time.Millisecond,
			SampleInterval:  time.Second,
			PausePressure:   1e-8,
			ResumePressure:  5e-9,
			TripPressure:    5e-8,
			AverageSamples:  0,
		},
		Monitor: MonitorConfig{
			WindowSeconds:        600,
			ExcursionPressure:    1e-8,
			MinExcursionDuration: 2.0,
		},
		Record: RecordConfig{
			Path: "anneal.db",
		},
		Log: LogConfig{
			Level:       "info",
			Development: false,
		},
		Mock: MockConfig{
			BasePressure:      2e-10,
			OutgassingGain:    2e-9,
			PumpTimeConstant:  5 * time.Second,
			LoadResistance:    0.8,
			NoiseLevel:        0.02,
			SampleRate:        100 * time.Millisecond,
			ControllerSetting: "burst",
		},
	}
}

// DefaultStepper returns the wiring of the lab setup.
func DefaultStepper() StepperConfig {
	return StepperConfig{
		ControllerPins: map[string]string{
			"GND":        "1",
			"bit0":       "2",
			"bit1":       "3",
			"bit2":       "4",
			"LED_burst":  "7",
			"LED_single": "8",
			"LED_cont":   "9",
		},
		DSUB9Pins: map[string]string{
			"1": "black",
			"2": "brown",
			"3": "red",
			"4": "orange",
			"5": "n.c.",
			"6": "yellow",
			"7": "blue",
			"8": "violet",
			"9": "green",
		},
		CableWiring: map[string]string{
			"brown":  "FIO0",
			"red":    "FIO1",
			"orange": "FIO2",
			"blue":   "FIO5",
			"violet": "FIO6",
			"green":  "FIO7",
			"black":  "GND",
			"yellow": "n.c.",
		},
		StepPulse:  10 * time.Millisecond,
		BurstPulse: 150 * time.Millisecond,
		StepPause:  10 * time.Millisecond,
		TurnAround: map[string][]MoveConfig{
			"fwd_to_back": {{Direction: "fwd", Steps: 100}, {Direction: "back", Steps: 55}},
			"back_to_fwd": {{Direction: "back", Steps: 50}, {Direction: "fwd", Steps: 110}},
		},
		Ratios: map[string]float64{
			"left":  87.0 / 78.0,
			"right": 78.0 / 87.0,
			"fwd":   450.0 / 205.0,
			"back":  205.0 / 450.0,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 merges into non-nil maps; a file that lists a table replaces it.
	cfg.Stepper.ControllerPins = nil
	cfg.Stepper.DSUB9Pins = nil
	cfg.Stepper.CableWiring = nil
	cfg.Stepper.TurnAround = nil
	cfg.Stepper.Ratios = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.LabJack.AnalogInputs < 0 || c.LabJack.AnalogInputs > 16 {
		return fmt.Errorf("labjack.analog_inputs must be within 0..16, got %d", c.LabJack.AnalogInputs)
	}
	if c.PowerSupply.CorrectionFactor <= -1 {
		return fmt.Errorf("power_supply.correction_factor must be greater than -1, got %g", c.PowerSupply.CorrectionFactor)
	}
	if !knownModel(c.PowerSupply.Model) {
		return fmt.Errorf("unknown power_supply.model %q, supported: %s",
			c.PowerSupply.Model, strings.Join(PowerSupplyModels, ", "))
	}
	if c.PowerSupply.MaxCurrent < 0 {
		return errors.New("power_supply.max_current must not be negative")
	}
	switch c.Gauge.Mode {
	case GaugeModeSerial, GaugeModeAnalog:
	default:
		return fmt.Errorf("unknown gauge.mode %q", c.Gauge.Mode)
	}
	if c.Gauge.Channel < 1 || c.Gauge.Channel > 2 {
		return fmt.Errorf("gauge.channel must be 1 or 2, got %d", c.Gauge.Channel)
	}
	if c.Gauge.PollInterval <= 0 {
		return fmt.Errorf("gauge.poll_interval must be positive, got %s", c.Gauge.PollInterval)
	}
	if c.Gauge.Timeout < 0 {
		return fmt.Errorf("gauge.timeout must not be negative, got %s", c.Gauge.Timeout)
	}

	a := c.Anneal
	if a.ControlInterval <= 0 {
		return fmt.Errorf("anneal.control_interval must be positive, got %s", a.ControlInterval)
	}
	if a.SampleInterval <= 0 {
		return fmt.Errorf("anneal.sample_interval must be positive, got %s", a.SampleInterval)
	}
	if a.PausePressure <= 0 || a.ResumePressure <= 0 || a.TripPressure <= 0 {
		return errors.New("anneal pressure thresholds must be positive")
	}
	if a.ResumePressure > a.PausePressure {
		return fmt.Errorf("anneal.resume_pressure %g above pause_pressure %g", a.ResumePressure, a.PausePressure)
	}
	if a.PausePressure > a.TripPressure {
		return fmt.Errorf("anneal.pause_pressure %g above trip_pressure %g", a.PausePressure, a.TripPressure)
	}
	if a.CooldownRate <= 0 {
		return errors.New("anneal.cooldown_rate must be positive")
	}
	for i, s := range a.Steps {
		if s.Current < 0 {
			return fmt.Errorf("anneal.steps[%d]: negative current %g", i, s.Current)
		}
		if s.Rate <= 0 {
			return fmt.Errorf("anneal.steps[%d]: rate must be positive", i)
		}
		if s.Hold < 0 {
			return fmt.Errorf("anneal.steps[%d]: negative hold", i)
		}
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.LabJack.DAC0Register == 0 {
		c.LabJack.DAC0Register = def.LabJack.DAC0Register
	}
	if c.LabJack.DAC1Register == 0 {
		c.LabJack.DAC1Register = def.LabJack.DAC1Register
	}

	if c.PowerSupply.Model == "" {
		c.PowerSupply.Model = def.PowerSupply.Model
	}
	if c.PowerSupply.VoltageMonitor == "" {
		c.PowerSupply.VoltageMonitor = def.PowerSupply.VoltageMonitor
	}
	if c.PowerSupply.CurrentMonitor == "" {
		c.PowerSupply.CurrentMonitor = def.PowerSupply.CurrentMonitor
	}
	if c.PowerSupply.CurrentProgram == "" {
		c.PowerSupply.CurrentProgram = def.PowerSupply.CurrentProgram
	}

	if c.Gauge.Mode == "" {
		c.Gauge.Mode = def.Gauge.Mode
	}
	if c.Gauge.Port == "" {
		c.Gauge.Port = def.Gauge.Port
	}
	if c.Gauge.BaudRate == 0 {
		c.Gauge.BaudRate = def.Gauge.BaudRate
	}
	if c.Gauge.Channel == 0 {
		c.Gauge.Channel = def.Gauge.Channel
	}
	if c.Gauge.Unit == "" {
		c.Gauge.Unit = def.Gauge.Unit
	}
	if c.Gauge.AnalogInput == "" {
		c.Gauge.AnalogInput = def.Gauge.AnalogInput
	}
	if c.Gauge.PollInterval == 0 {
		c.Gauge.PollInterval = def.Gauge.PollInterval
	}
	if c.Gauge.Timeout == 0 {
		c.Gauge.Timeout = def.Gauge.Timeout
	}

	if len(c.Stepper.ControllerPins) == 0 {
		c.Stepper.ControllerPins = def.Stepper.ControllerPins
	}
	if len(c.Stepper.DSUB9Pins) == 0 {
		c.Stepper.DSUB9Pins = def.Stepper.DSUB9Pins
	}
	if len(c.Stepper.CableWiring) == 0 {
		c.Stepper.CableWiring = def.Stepper.CableWiring
	}
	if c.Stepper.StepPulse == 0 {
		c.Stepper.StepPulse = def.Stepper.StepPulse
	}
	if c.Stepper.BurstPulse == 0 {
		c.Stepper.BurstPulse = def.Stepper.BurstPulse
	}
	if c.Stepper.StepPause == 0 {
		c.Stepper.StepPause = def.Stepper.StepPause
	}
	if len(c.Stepper.TurnAround) == 0 {
		c.Stepper.TurnAround = def.Stepper.TurnAround
	}
	if len(c.Stepper.Ratios) == 0 {
		c.Stepper.Ratios = def.Stepper.Ratios
	}

	if c.Anneal.CooldownRate == 0 {
		c.Anneal.CooldownRate = def.Anneal.CooldownRate
	}
	if c.Anneal.ControlInterval == 0 {
		c.Anneal.ControlInterval = def.Anneal.ControlInterval
	}
	if c.Anneal.SampleInterval == 0 {
		c.Anneal.SampleInterval = def.Anneal.SampleInterval
	}
	if c.Anneal.PausePressure == 0 {
		c.Anneal.PausePressure = def.Anneal.PausePressure
	}
	if c.Anneal.ResumePressure == 0 {
		c.Anneal.ResumePressure = def.Anneal.ResumePressure
	}
	if c.Anneal.TripPressure == 0 {
		c.Anneal.TripPressure = def.Anneal.TripPressure
	}

	if c.Monitor.WindowSeconds == 0 {
		c.Monitor.WindowSeconds = def.Monitor.WindowSeconds
	}
	if c.Monitor.ExcursionPressure == 0 {
		c.Monitor.ExcursionPressure = def.Monitor.ExcursionPressure
	}

	if c.Record.Path == "" {
		c.Record.Path = def.Record.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.Mock.BasePressure == 0 {
		c.Mock.BasePressure = def.Mock.BasePressure
	}
	if c.Mock.PumpTimeConstant == 0 {
		c.Mock.PumpTimeConstant = def.Mock.PumpTimeConstant
	}
	if c.Mock.LoadResistance == 0 {
		c.Mock.LoadResistance = def.Mock.LoadResistance
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.ControllerSetting == "" {
		c.Mock.ControllerSetting = def.Mock.ControllerSetting
	}
}
