package rig

import (
	"context"
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/stepper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.Mock.SampleRate = 5 * time.Millisecond
	cfg.Gauge.Timeout = time.Second
	return cfg
}

func TestOpen_MockSerialGauge(t *testing.T) {
	cfg := mockConfig()
	cfg.Gauge.Unit = "torr"

	r, err := Open(cfg, Options{Parts: Anneal, Mock: true})
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.Supply)
	require.NotNil(t, r.Serial)
	assert.Nil(t, r.Stepper)

	require.NoError(t, r.Supply.SetCurrent(2))
	assert.InDelta(t, 2, r.Load.Current(), 0.01)
	rb, err := r.Supply.Read()
	require.NoError(t, err)
	assert.InDelta(t, 2, rb.Current, 0.05)
	assert.InDelta(t, 2*cfg.Mock.LoadResistance, rb.Voltage, 0.1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reading, err := r.Gauge.Pressure(ctx)
	require.NoError(t, err)
	assert.Equal(t, gauge.Torr, reading.Unit)
	assert.True(t, reading.Status.HasValue())
	assert.InEpsilon(t, r.Chamber.Mbar(), reading.Mbar(), 0.2)
}

func TestOpen_MockAnalogGauge(t *testing.T) {
	cfg := mockConfig()
	cfg.Gauge.Mode = config.GaugeModeAnalog
	cfg.Mock.BasePressure = 1e-7 // Inside the PKR range

	r, err := Open(cfg, Options{Parts: Gauge, Mock: true})
	require.NoError(t, err)
	defer r.Close()

	assert.Nil(t, r.Supply)
	assert.Nil(t, r.Serial)
	require.NotNil(t, r.Gauge)
	assert.True(t, r.Device.Info().IsHV())

	reading, err := r.Gauge.Pressure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gauge.StatusOK, reading.Status)
	assert.InEpsilon(t, 1e-7, reading.Mbar(), 0.1)
}

func TestOpen_MockStepper(t *testing.T) {
	cfg := mockConfig()
	cfg.Mock.ControllerSetting = "single"

	r, err := Open(cfg, Options{Parts: Stepper, Mock: true})
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.Stepper)
	setting, err := r.Stepper.Setting()
	require.NoError(t, err)
	assert.Equal(t, stepper.Single, setting)

	require.NoError(t, r.Stepper.WalkSteps(context.Background(), stepper.Up, 2, time.Millisecond))
}

func TestOpen_PinConflict(t *testing.T) {
	_, err := Open(mockConfig(), Options{Parts: Supply | Stepper, Mock: true})
	assert.ErrorIs(t, err, ErrPinConflict)

	// Moving the stepper above the analog inputs resolves it
	cfg := mockConfig()
	cfg.LabJack.AnalogInputs = 2
	cfg.Stepper.CableWiring = map[string]string{
		"brown":  "FIO2",
		"red":    "FIO3",
		"orange": "FIO4",
		"blue":   "FIO5",
		"violet": "FIO6",
		"green":  "FIO7",
		"black":  "GND",
		"yellow": "n.c.",
	}
	r, err := Open(cfg, Options{Parts: Supply | Stepper, Mock: true})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := mockConfig()
	cfg.Gauge.Mode = "telepathy"
	_, err := Open(cfg, Options{Mock: true})
	assert.Error(t, err)

	cfg = mockConfig()
	cfg.PowerSupply.Model = "SM1500"
	_, err = Open(cfg, Options{Mock: true})
	assert.Error(t, err)
}

func TestClose_SwitchesSupplyOff(t *testing.T) {
	r, err := Open(mockConfig(), Options{Parts: Supply, Mock: true})
	require.NoError(t, err)

	load := r.Load
	require.NoError(t, r.Supply.SetCurrent(1))
	require.NoError(t, r.Close())
	assert.Zero(t, load.Current())
}

func TestClose_KeepOutput(t *testing.T) {
	r, err := Open(mockConfig(), Options{Parts: Supply, Mock: true, KeepOutput: true})
	require.NoError(t, err)

	load := r.Load
	require.NoError(t, r.Supply.SetCurrent(1))
	require.NoError(t, r.Close())
	assert.InDelta(t, 1, load.Current(), 0.01)
}
