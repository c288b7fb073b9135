// Package rig opens the annealing hardware described by the config, or a
// simulated replacement of it.
package rig

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/psu"
	"github.com/itohio/goanneal/pkg/stepper"
	"github.com/itohio/goanneal/pkg/u3"
)

// ErrPinConflict is returned when stepper lines overlap the analog inputs.
var ErrPinConflict = errors.New("rig: stepper lines overlap analog inputs")

// Part selects which instruments to open.
type Part int

// Instruments.
const (
	Supply Part = 1 << iota
	Gauge
	Stepper

	Anneal = Supply | Gauge
)

// Options of Open.
type Options struct {
	Parts Part
	Mock  bool
	// KeepOutput leaves the supply programmed on Close. The U3 DAC holds
	// its value after the device is released.
	KeepOutput bool
	Logger     *zap.Logger
}

// Rig holds the opened instruments. Fields of parts that were not
// requested are nil.
type Rig struct {
	Device  *u3.Device
	Supply  *psu.Supply
	Gauge   gauge.Gauge
	Serial  *gauge.Serial // Set when the gauge is read through the TPG controller
	Stepper *stepper.Controller

	// Simulation, set in mock mode
	Sim     *u3.Simulator
	Load    *psu.Load
	Chamber *gauge.Mock

	cfg        *config.Config
	logger     *zap.Logger
	keepOutput bool
	closers    []io.Closer
}

// Open opens the requested parts. On error everything opened so far is closed.
func Open(cfg *config.Config, opts Options) (r *Rig, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parts == 0 {
		opts.Parts = Anneal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r = &Rig{cfg: cfg, logger: logger, keepOutput: opts.KeepOutput}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
			r = nil
		}
	}()

	analogGauge := opts.Parts&Gauge != 0 && cfg.Gauge.Mode == config.GaugeModeAnalog
	if opts.Parts&Stepper != 0 && (opts.Parts&Supply != 0 || analogGauge) {
		if err := checkPins(cfg); err != nil {
			return r, err
		}
	}

	if opts.Parts&(Supply|Stepper) != 0 || analogGauge {
		if err := r.openDevice(opts.Mock, analogGauge); err != nil {
			return r, err
		}
	}

	if opts.Mock {
		if err := r.openSimulation(); err != nil {
			return r, err
		}
	}

	if opts.Parts&Supply != 0 {
		if err := r.openSupply(); err != nil {
			return r, err
		}
	} else if analogGauge {
		if err := r.Device.ConfigAnalogInputs(cfg.LabJack.AnalogInputs); err != nil {
			return r, fmt.Errorf("failed to configure analog inputs: %w", err)
		}
	} else if opts.Parts&Stepper != 0 {
		// Stepper alone: all flexible lines digital
		if err := r.Device.ConfigAnalogInputs(0); err != nil {
			return r, fmt.Errorf("failed to configure digital lines: %w", err)
		}
	}

	if opts.Parts&Gauge != 0 {
		if err := r.openGauge(opts.Mock); err != nil {
			return r, err
		}
	}

	if opts.Parts&Stepper != 0 {
		if err := r.openStepper(opts.Mock); err != nil {
			return r, err
		}
	}

	logger.Info("rig opened",
		zap.Bool("mock", opts.Mock),
		zap.Bool("supply", r.Supply != nil),
		zap.Bool("gauge", r.Gauge != nil),
		zap.Bool("stepper", r.Stepper != nil),
	)
	return r, nil
}

// checkPins rejects stepper wiring that uses lines configured as analog inputs.
func checkPins(cfg *config.Config) error {
	pins, err := stepper.ResolvePins(&cfg.Stepper)
	if err != nil {
		return err
	}
	for name, io := range pins {
		if io < cfg.LabJack.AnalogInputs {
			return fmt.Errorf("%w: %s on line %d, %d analog inputs", ErrPinConflict, name, io, cfg.LabJack.AnalogInputs)
		}
	}
	return nil
}

func (r *Rig) openDevice(mock, hv bool) error {
	if mock {
		serial := r.cfg.LabJack.SerialNumber
		if serial == 0 {
			serial = 320000001
		}
		// The gauge analog output needs the 10 V range of the U3-HV
		r.Sim = u3.NewSimulator(serial, hv)
		r.Device = u3.New(r.Sim, r.logger)
		r.closers = append(r.closers, r.Device)
		if err := r.Device.Init(); err != nil {
			return fmt.Errorf("simulated U3: %w", err)
		}
		return nil
	}

	usb, err := u3.OpenUSB(r.cfg.LabJack.SerialNumber, r.logger)
	if err != nil {
		return err
	}
	r.Device = usb.Device
	r.closers = append(r.closers, usb)
	return nil
}

// openSimulation wires the simulated heater load and chamber.
func (r *Rig) openSimulation() error {
	unit, err := gauge.ParseUnit(r.cfg.Gauge.Unit)
	if err != nil {
		return err
	}

	power := func() float64 { return 0 }
	if r.Sim != nil {
		r.Load, err = psu.NewLoad(r.Sim, &r.cfg.PowerSupply, r.cfg.Mock.LoadResistance)
		if err != nil {
			return err
		}
		power = r.Load.Power
	}

	r.Chamber = gauge.NewMock(&r.cfg.Mock, unit, power)
	if err := r.Chamber.Connect(); err != nil {
		return err
	}
	r.closers = append(r.closers, r.Chamber)

	if r.Sim == nil {
		return nil
	}

	gaugeCh, err := u3.ParseChannel(r.cfg.Gauge.AnalogInput)
	if err != nil {
		return err
	}
	r.Sim.SetAnalogSource(func(ch int) float64 {
		if v, ok := r.Load.Analog(ch); ok {
			return v
		}
		if ch == gaugeCh {
			reading, err := r.Chamber.Pressure(context.Background())
			if err != nil {
				return 0
			}
			return gauge.PressureToVoltage(reading.Pressure, reading.Unit)
		}
		return 0
	})
	return nil
}

func (r *Rig) openSupply() error {
	opts := []psu.Option{
		psu.WithAnalogInputs(r.cfg.LabJack.AnalogInputs),
		psu.WithLogger(r.logger),
	}
	if r.cfg.LabJack.ModbusDAC {
		dac, err := u3.ParseDAC(r.cfg.PowerSupply.CurrentProgram)
		if err != nil {
			return err
		}
		register := r.cfg.LabJack.DAC0Register
		if dac == 1 {
			register = r.cfg.LabJack.DAC1Register
		}
		opts = append(opts, psu.WithModbusDAC(register))
	}

	s, err := psu.New(r.Device, &r.cfg.PowerSupply, opts...)
	if err != nil {
		return err
	}
	r.Supply = s
	return nil
}

func (r *Rig) openGauge(mock bool) error {
	if r.cfg.Gauge.Mode == config.GaugeModeAnalog {
		g, err := gauge.NewAnalogPKR(r.Device, &r.cfg.Gauge)
		if err != nil {
			return err
		}
		r.Gauge = g
		return nil
	}

	s, err := gauge.NewSerial(&r.cfg.Gauge, r.logger)
	if err != nil {
		return err
	}
	if mock {
		chamber := r.Chamber
		err = s.Attach(gauge.NewEmulator(func(int) (gauge.Status, float64) {
			reading, err := chamber.Pressure(context.Background())
			if err != nil {
				return gauge.StatusSensorOff, 0
			}
			return reading.Status, reading.Mbar()
		}))
	} else {
		err = s.Connect()
	}
	if err != nil {
		return err
	}
	r.closers = append(r.closers, s)
	if mock {
		// Connect syncs the unit of a real controller
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Gauge.Timeout)
		defer cancel()
		if err := s.SyncUnits(ctx); err != nil {
			return err
		}
	}
	r.Serial = s
	r.Gauge = s
	return nil
}

func (r *Rig) openStepper(mock bool) error {
	if mock {
		setting := stepper.Setting(r.cfg.Mock.ControllerSetting)
		if err := stepper.SimulateController(r.Sim, &r.cfg.Stepper, setting); err != nil {
			return err
		}
	}
	c, err := stepper.New(r.Device, &r.cfg.Stepper, r.logger)
	if err != nil {
		return err
	}
	r.Stepper = c
	return nil
}

// Close switches the supply off unless KeepOutput was set and closes
// everything in reverse order.
func (r *Rig) Close() error {
	var err error
	if r.Supply != nil && !r.keepOutput {
		err = multierr.Append(err, r.Supply.Off())
	}
	r.Supply = nil
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i].Close())
	}
	r.closers = nil
	return err
}
