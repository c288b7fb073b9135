// Package gauge reads a Pfeiffer PKR251 full range gauge, either through
// a TPG 26x controller on a serial line or through its analog output.
package gauge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var (
	// ErrNAK is returned when the controller rejects a command.
	ErrNAK = errors.New("gauge: command not acknowledged")
	// ErrNotConnected is returned for operations on a disconnected gauge.
	ErrNotConnected = errors.New("gauge: not connected")
	// ErrTimeout is returned when the controller does not answer in time.
	ErrTimeout = errors.New("gauge: timeout")
)

// Gauge is a pressure source.
type Gauge interface {
	Pressure(ctx context.Context) (Reading, error)
	Close() error
}

// Status is the measurement status reported with each reading.
type Status int

// Measurement status codes of the TPG protocol.
const (
	StatusOK Status = iota
	StatusUnderrange
	StatusOverrange
	StatusSensorError
	StatusSensorOff
	StatusNoSensor
	StatusIdentificationError
)

var statusNames = [...]string{
	"ok",
	"underrange",
	"overrange",
	"sensor error",
	"sensor off",
	"no sensor",
	"identification error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// HasValue reports whether a reading with this status carries a usable pressure.
func (s Status) HasValue() bool {
	return s == StatusOK || s == StatusUnderrange || s == StatusOverrange
}

// Unit is a pressure unit as numbered by the UNI command.
type Unit int

// Pressure units.
const (
	Mbar Unit = iota
	Torr
	Pascal
)

func (u Unit) String() string {
	switch u {
	case Mbar:
		return "mbar"
	case Torr:
		return "Torr"
	case Pascal:
		return "Pa"
	}
	return fmt.Sprintf("unit(%d)", int(u))
}

// ParseUnit parses mbar, Torr or Pa.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mbar", "hpa":
		return Mbar, nil
	case "torr":
		return Torr, nil
	case "pa", "pascal":
		return Pascal, nil
	}
	return 0, fmt.Errorf("unknown pressure unit %q", s)
}

// ToMbar converts a pressure in unit u to mbar.
func (u Unit) ToMbar(p float64) float64 {
	switch u {
	case Torr:
		return p * 1.33322
	case Pascal:
		return p * 0.01
	}
	return p
}

// FromMbar converts a pressure in mbar to unit u.
func (u Unit) FromMbar(p float64) float64 {
	switch u {
	case Torr:
		return p / 1.33322
	case Pascal:
		return p / 0.01
	}
	return p
}

// Reading is one pressure measurement.
type Reading struct {
	Timestamp time.Time
	Pressure  float64
	Unit      Unit
	Status    Status
}

// Mbar returns the pressure in mbar.
func (r Reading) Mbar() float64 {
	return r.Unit.ToMbar(r.Pressure)
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports. USB adapters are
// described by product name and VID:PID when the platform reports them.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]Port, 0, len(details))
		for _, d := range details {
			desc := d.Name
			if d.IsUSB {
				desc = fmt.Sprintf("%s (%s:%s %s)", d.Product, d.VID, d.PID, d.SerialNumber)
			}
			result = append(result, Port{Name: d.Name, Description: strings.TrimSpace(desc)})
		}
		return result, nil
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}
