// Package psu controls Delta Elektronika DC power supplies through their
// analog programming interface wired to a LabJack U3.
package psu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/u3"
	"go.uber.org/zap"
)

// DefaultAnalogInputs is the number of FIO lines configured as analog
// inputs when the supply is attached.
const DefaultAnalogInputs = 7

var (
	// ErrCurrentRange is returned for negative or over-limit setpoints.
	ErrCurrentRange = errors.New("current out of range")
	// ErrUnknownModel is returned for an unsupported supply model name.
	ErrUnknownModel = errors.New("unknown power supply model")
)

// Model holds the ratings of a supply and of its analog interface.
type Model struct {
	Name        string
	VReadoutMax float64 // V, full scale of the monitor and program voltages
	VOutputMax  float64 // V
	IOutputMax  float64 // A
}

// Built-in models.
var (
	ES03010 = Model{Name: "ES03010", VReadoutMax: 5, VOutputMax: 30, IOutputMax: 10}
	SM7022  = Model{Name: "SM7022", VReadoutMax: 5, VOutputMax: 70, IOutputMax: 22}
)

var models = map[string]Model{
	"ES03010": ES03010,
	"SM7022":  SM7022,
}

// ModelByName returns a built-in model.
func ModelByName(name string) (Model, error) {
	m, ok := models[config.NormalizeModel(name)]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// ControlVoltage converts a current to the programming voltage. The
// correction factor compensates the offset between programmed and actual
// output current.
func (m Model) ControlVoltage(current, correction float64) float64 {
	return current / m.IOutputMax * m.VReadoutMax * (1 + correction)
}

// AnalogIO is the subset of the U3 the supply is wired to.
type AnalogIO interface {
	ConfigAnalogInputs(n int) error
	AIN(positive, negative byte) (float64, error)
	SetDAC(dac int, volts float64) error
}

// RegisterWriter programs a DAC through its Modbus register.
type RegisterWriter interface {
	WriteRegister(addr uint16, v float32) error
}

// Option customizes a Supply.
type Option func(*Supply) error

// WithAnalogInputs sets how many FIO/EIO lines are configured as analog inputs.
func WithAnalogInputs(n int) Option {
	return func(s *Supply) error {
		s.analogInputs = n
		return nil
	}
}

// WithModbusDAC programs the current through the given Modbus register
// instead of a Feedback DAC update. dev must implement RegisterWriter.
func WithModbusDAC(register uint16) Option {
	return func(s *Supply) error {
		w, ok := s.dev.(RegisterWriter)
		if !ok {
			return errors.New("device does not support Modbus register writes")
		}
		s.writeDAC = func(volts float64) error {
			return w.WriteRegister(register, float32(volts))
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supply) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// Readback is one reading of the supply monitor outputs.
type Readback struct {
	Voltage float64 // V
	Current float64 // A
}

// Supply is a Delta Elektronika supply in analog programming mode.
type Supply struct {
	dev    AnalogIO
	model  Model
	logger *zap.Logger

	vmon, imon   byte
	dac          int
	correction   float64
	limit        float64
	analogInputs int
	writeDAC     func(volts float64) error

	mu       sync.Mutex
	setpoint float64
}

// New attaches a supply to the U3 and configures its analog inputs.
func New(dev AnalogIO, cfg *config.PowerSupplyConfig, opts ...Option) (*Supply, error) {
	model, err := ModelByName(cfg.Model)
	if err != nil {
		return nil, err
	}

	vmon, err := u3.ParseChannel(cfg.VoltageMonitor)
	if err != nil {
		return nil, fmt.Errorf("voltage monitor: %w", err)
	}
	imon, err := u3.ParseChannel(cfg.CurrentMonitor)
	if err != nil {
		return nil, fmt.Errorf("current monitor: %w", err)
	}
	dac, err := u3.ParseDAC(cfg.CurrentProgram)
	if err != nil {
		return nil, fmt.Errorf("current program: %w", err)
	}

	limit := model.IOutputMax
	if cfg.MaxCurrent > 0 && cfg.MaxCurrent < limit {
		limit = cfg.MaxCurrent
	}

	s := &Supply{
		dev:          dev,
		model:        model,
		logger:       zap.NewNop(),
		vmon:         byte(vmon),
		imon:         byte(imon),
		dac:          dac,
		correction:   cfg.CorrectionFactor,
		limit:        limit,
		analogInputs: DefaultAnalogInputs,
	}
	s.writeDAC = func(volts float64) error {
		return dev.SetDAC(s.dac, volts)
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if vmon >= s.analogInputs || imon >= s.analogInputs {
		return nil, fmt.Errorf("monitor inputs %s/%s are not among the first %d analog inputs",
			cfg.VoltageMonitor, cfg.CurrentMonitor, s.analogInputs)
	}
	if err := dev.ConfigAnalogInputs(s.analogInputs); err != nil {
		return nil, fmt.Errorf("failed to configure analog inputs: %w", err)
	}

	s.logger.Info("power supply attached",
		zap.String("model", model.Name),
		zap.String("voltage_monitor", cfg.VoltageMonitor),
		zap.String("current_monitor", cfg.CurrentMonitor),
		zap.String("current_program", cfg.CurrentProgram),
		zap.Float64("limit", limit),
	)
	return s, nil
}

// Model returns the supply model.
func (s *Supply) Model() Model {
	return s.model
}

// Limit returns the highest current SetCurrent accepts.
func (s *Supply) Limit() float64 {
	return s.limit
}

// MonitorVoltage returns the raw voltage monitor output in volts.
func (s *Supply) MonitorVoltage() (float64, error) {
	v, err := s.dev.AIN(s.vmon, u3.SingleEnded)
	if err != nil {
		return 0, fmt.Errorf("read voltage monitor: %w", err)
	}
	return v, nil
}

// MonitorCurrent returns the raw current monitor output in volts.
func (s *Supply) MonitorCurrent() (float64, error) {
	v, err := s.dev.AIN(s.imon, u3.SingleEnded)
	if err != nil {
		return 0, fmt.Errorf("read current monitor: %w", err)
	}
	return v, nil
}

// Voltage returns the output voltage.
func (s *Supply) Voltage() (float64, error) {
	v, err := s.MonitorVoltage()
	if err != nil {
		return 0, err
	}
	return v / s.model.VReadoutMax * s.model.VOutputMax, nil
}

// Current returns the output current.
func (s *Supply) Current() (float64, error) {
	v, err := s.MonitorCurrent()
	if err != nil {
		return 0, err
	}
	return v / s.model.VReadoutMax * s.model.IOutputMax, nil
}

// Read returns output voltage and current.
func (s *Supply) Read() (Readback, error) {
	v, err := s.Voltage()
	if err != nil {
		return Readback{}, err
	}
	i, err := s.Current()
	if err != nil {
		return Readback{}, err
	}
	return Readback{Voltage: v, Current: i}, nil
}

// Setpoint returns the last programmed current.
func (s *Supply) Setpoint() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoint
}

// SetCurrent programs the output current.
func (s *Supply) SetCurrent(current float64) error {
	if current < 0 || current > s.limit || math.IsNaN(current) {
		return fmt.Errorf("%w: %g A (limit %g A)", ErrCurrentRange, current, s.limit)
	}

	volts := s.model.ControlVoltage(current, s.correction)
	if volts > u3.MaxDACVoltage {
		s.logger.Warn("control voltage above DAC range",
			zap.Float64("current", current),
			zap.Float64("volts", volts),
		)
	}
	if err := s.writeDAC(volts); err != nil {
		return fmt.Errorf("program current: %w", err)
	}

	s.mu.Lock()
	s.setpoint = current
	s.mu.Unlock()

	s.logger.Debug("current programmed", zap.Float64("current", current), zap.Float64("volts", volts))
	return nil
}

// Ramp moves the setpoint linearly to target at rate A/s, updating it on
// every tick. It returns ctx.Err() if cancelled; the setpoint then stays
// at the last programmed value.
func (s *Supply) Ramp(ctx context.Context, target, rate float64, tick time.Duration) error {
	if rate <= 0 {
		return fmt.Errorf("ramp rate must be positive, got %g", rate)
	}
	if tick <= 0 {
		return fmt.Errorf("ramp tick must be positive, got %s", tick)
	}
	if target < 0 || target > s.limit {
		return fmt.Errorf("%w: %g A (limit %g A)", ErrCurrentRange, target, s.limit)
	}

	start := s.Setpoint()
	if start == target {
		return s.SetCurrent(target)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			step := rate * now.Sub(t0).Seconds()
			next := target
			if start < target && start+step < target {
				next = start + step
			} else if start > target && start-step > target {
				next = start - step
			}
			if err := s.SetCurrent(next); err != nil {
				return err
			}
			if next == target {
				return nil
			}
		}
	}
}

// Off programs zero current.
func (s *Supply) Off() error {
	return s.SetCurrent(0)
}
