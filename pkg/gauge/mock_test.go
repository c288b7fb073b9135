package gauge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockConfig() *config.MockConfig {
	cfg := config.Default().Mock
	cfg.SampleRate = 10 * time.Millisecond
	cfg.NoiseLevel = 0
	return &cfg
}

func TestMock_Step(t *testing.T) {
	var power atomic.Value
	power.Store(0.0)

	cfg := mockConfig()
	m := NewMock(cfg, Mbar, func() float64 { return power.Load().(float64) })
	assert.InDelta(t, cfg.BasePressure, m.Mbar(), 1e-20)

	power.Store(10.0)
	target := cfg.BasePressure + 10*cfg.OutgassingGain

	// One time constant covers 63 % of the step.
	m.step(cfg.PumpTimeConstant.Seconds(), time.Now())
	want := cfg.BasePressure + 0.632*(target-cfg.BasePressure)
	assert.InEpsilon(t, want, m.Mbar(), 0.01)

	for i := 0; i < 20; i++ {
		m.step(cfg.PumpTimeConstant.Seconds(), time.Now())
	}
	assert.InEpsilon(t, target, m.Mbar(), 1e-6)

	power.Store(0.0)
	for i := 0; i < 40; i++ {
		m.step(cfg.PumpTimeConstant.Seconds(), time.Now())
	}
	assert.InEpsilon(t, cfg.BasePressure, m.Mbar(), 1e-3)
}

func TestMock_Reading(t *testing.T) {
	m := NewMock(mockConfig(), Torr, nil)
	require.NoError(t, m.Connect())
	defer m.Close()

	r, err := m.Pressure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Torr, r.Unit)
	assert.Equal(t, StatusUnderrange, r.Status, "base pressure is below the PKR range")
	assert.InEpsilon(t, Torr.FromMbar(2e-10), r.Pressure, 1e-9)
}

func TestMock_GracefulShutdown(t *testing.T) {
	m := NewMock(mockConfig(), Mbar, func() float64 { return 5 })
	require.NoError(t, m.Connect())
	assert.Error(t, m.Connect(), "second connect should fail")

	time.Sleep(50 * time.Millisecond)
	r, err := m.Pressure(context.Background())
	require.NoError(t, err)
	assert.Greater(t, r.Pressure, 2e-10, "heater power should raise the pressure")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Pressure(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
