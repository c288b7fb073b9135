package psu

import (
	"fmt"
	"sync"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/u3"
)

// Load simulates a supply driving a resistive sample heater. It listens to
// the program DAC of a u3.Simulator and produces the monitor voltages.
type Load struct {
	model      Model
	vmon, imon int
	dac        int
	correction float64
	resistance float64

	mu      sync.Mutex
	current float64
	voltage float64
}

// NewLoad creates a load for the supply wiring in cfg and registers its
// DAC hook on sim.
func NewLoad(sim *u3.Simulator, cfg *config.PowerSupplyConfig, resistance float64) (*Load, error) {
	model, err := ModelByName(cfg.Model)
	if err != nil {
		return nil, err
	}
	if resistance <= 0 {
		return nil, fmt.Errorf("load resistance must be positive, got %g", resistance)
	}
	vmon, err := u3.ParseChannel(cfg.VoltageMonitor)
	if err != nil {
		return nil, err
	}
	imon, err := u3.ParseChannel(cfg.CurrentMonitor)
	if err != nil {
		return nil, err
	}
	dac, err := u3.ParseDAC(cfg.CurrentProgram)
	if err != nil {
		return nil, err
	}

	l := &Load{
		model:      model,
		vmon:       vmon,
		imon:       imon,
		dac:        dac,
		correction: cfg.CorrectionFactor,
		resistance: resistance,
	}
	sim.OnDAC(l.program)
	return l, nil
}

func (l *Load) program(dac int, volts float64) {
	if dac != l.dac {
		return
	}

	i := volts / (l.model.VReadoutMax * (1 + l.correction)) * l.model.IOutputMax
	if i > l.model.IOutputMax {
		i = l.model.IOutputMax
	}
	if i < 0 {
		i = 0
	}
	v := i * l.resistance
	if v > l.model.VOutputMax {
		// Constant voltage mode.
		v = l.model.VOutputMax
		i = v / l.resistance
	}

	l.mu.Lock()
	l.current, l.voltage = i, v
	l.mu.Unlock()
}

// Analog returns the monitor voltage for ch, or false if ch is not a monitor input.
func (l *Load) Analog(ch int) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ch {
	case l.vmon:
		return l.voltage / l.model.VOutputMax * l.model.VReadoutMax, true
	case l.imon:
		return l.current / l.model.IOutputMax * l.model.VReadoutMax, true
	}
	return 0, false
}

// Current returns the simulated output current.
func (l *Load) Current() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Power returns the power dissipated in the load in watts.
func (l *Load) Power() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current * l.voltage
}
