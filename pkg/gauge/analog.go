package gauge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/u3"
)

// Voltage bands of the PKR251 analog output.
const (
	pkrSensorErrorLow  = 0.5
	pkrSensorErrorHigh = 10.5
	pkrUnderrange      = 1.82
	pkrOverrange       = 8.6
	pkrSlope           = 1.667
)

// pkrOffset returns the offset d of p = 10^(1.667 U - d) for a unit.
func pkrOffset(u Unit) float64 {
	switch u {
	case Torr:
		return 11.46
	case Pascal:
		return 9.333
	}
	return 11.33
}

// VoltageToPressure converts the PKR251 output voltage to pressure in unit u.
func VoltageToPressure(volts float64, u Unit) (float64, Status) {
	p := math.Pow(10, pkrSlope*volts-pkrOffset(u))
	switch {
	case volts < pkrSensorErrorLow || volts > pkrSensorErrorHigh:
		return p, StatusSensorError
	case volts < pkrUnderrange:
		return p, StatusUnderrange
	case volts > pkrOverrange:
		return p, StatusOverrange
	}
	return p, StatusOK
}

// PressureToVoltage is the inverse of VoltageToPressure.
func PressureToVoltage(p float64, u Unit) float64 {
	if p <= 0 {
		return 0
	}
	return (math.Log10(p) + pkrOffset(u)) / pkrSlope
}

// AnalogReader reads a single-ended analog input.
type AnalogReader interface {
	AIN(positive, negative byte) (float64, error)
}

// AnalogPKR reads the PKR251 analog output through a U3 input.
// The U3-HV AIN0..AIN3 cover the full 0-10.5 V range.
type AnalogPKR struct {
	dev     AnalogReader
	channel byte
	unit    Unit
}

var _ Gauge = (*AnalogPKR)(nil)

// NewAnalogPKR creates a gauge on the configured U3 analog input.
func NewAnalogPKR(dev AnalogReader, cfg *config.GaugeConfig) (*AnalogPKR, error) {
	ch, err := u3.ParseChannel(cfg.AnalogInput)
	if err != nil {
		return nil, fmt.Errorf("gauge analog input: %w", err)
	}
	unit, err := ParseUnit(cfg.Unit)
	if err != nil {
		return nil, err
	}
	return &AnalogPKR{dev: dev, channel: byte(ch), unit: unit}, nil
}

// Pressure samples the analog input.
func (a *AnalogPKR) Pressure(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	v, err := a.dev.AIN(a.channel, u3.SingleEnded)
	if err != nil {
		return Reading{}, fmt.Errorf("read gauge voltage: %w", err)
	}
	p, status := VoltageToPressure(v, a.unit)
	return Reading{
		Timestamp: time.Now(),
		Pressure:  p,
		Unit:      a.unit,
		Status:    status,
	}, nil
}

// Close is a no-op; the U3 is owned by the caller.
func (a *AnalogPKR) Close() error {
	return nil
}
