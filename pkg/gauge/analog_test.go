package gauge

import (
	"context"
	"math"
	"testing"

	"github.com/itohio/goanneal/pkg/u3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoltageToPressure(t *testing.T) {
	tests := []struct {
		name       string
		volts      float64
		unit       Unit
		wantP      float64
		wantStatus Status
	}{
		{"1e-6 mbar", (-6 + 11.33) / 1.667, Mbar, 1e-6, StatusOK},
		{"1e-6 Torr", (-6 + 11.46) / 1.667, Torr, 1e-6, StatusOK},
		{"1e-4 Pa", (-4 + 9.333) / 1.667, Pascal, 1e-4, StatusOK},
		{"underrange", 1.0, Mbar, math.Pow(10, 1.667-11.33), StatusUnderrange},
		{"overrange", 9.0, Mbar, math.Pow(10, 1.667*9-11.33), StatusOverrange},
		{"sensor error low", 0.3, Mbar, math.Pow(10, 1.667*0.3-11.33), StatusSensorError},
		{"sensor error high", 10.7, Mbar, math.Pow(10, 1.667*10.7-11.33), StatusSensorError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, status := VoltageToPressure(tt.volts, tt.unit)
			assert.Equal(t, tt.wantStatus, status)
			assert.InDelta(t, tt.wantP, p, tt.wantP*1e-9)
		})
	}
}

func TestPressureToVoltage(t *testing.T) {
	for _, u := range []Unit{Mbar, Torr, Pascal} {
		v := PressureToVoltage(3e-8, u)
		p, _ := VoltageToPressure(v, u)
		assert.InDelta(t, 3e-8, p, 1e-15, "unit %s", u)
	}
	assert.Equal(t, 0.0, PressureToVoltage(0, Mbar))
}

func TestAnalogPKR(t *testing.T) {
	sim := u3.NewSimulator(1, true)
	dev := u3.New(sim, nil)
	require.NoError(t, dev.Init())
	defer dev.Close()

	sim.SetAnalogSource(func(ch int) float64 {
		if ch == 2 {
			return PressureToVoltage(2e-7, Mbar)
		}
		return 0
	})

	g, err := NewAnalogPKR(dev, testConfig())
	require.NoError(t, err)
	defer g.Close()

	r, err := g.Pressure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, Mbar, r.Unit)
	// One HV LSB is 0.3 mV, about 0.12 % in pressure.
	assert.InEpsilon(t, 2e-7, r.Pressure, 0.005)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Pressure(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewAnalogPKR_InvalidInput(t *testing.T) {
	cfg := testConfig()
	cfg.AnalogInput = "DAC0"
	_, err := NewAnalogPKR(nil, cfg)
	assert.Error(t, err)
}
