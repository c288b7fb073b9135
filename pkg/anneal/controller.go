// Package anneal runs current recipes on the sample heater while watching
// the chamber pressure.
package anneal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/psu"
	"github.com/itohio/goanneal/pkg/sample"
)

var (
	// ErrPressureTrip is returned when the pressure exceeds the trip level.
	ErrPressureTrip = errors.New("anneal: pressure trip")
	// ErrGaugeStatus is returned when the gauge reports no usable pressure.
	ErrGaugeStatus = errors.New("anneal: gauge has no reading")
	// ErrAlreadyRun is returned by a second Run call.
	ErrAlreadyRun = errors.New("anneal: controller already used")
)

// Supply is the part of the power supply the controller drives.
type Supply interface {
	Read() (psu.Readback, error)
	SetCurrent(current float64) error
	Off() error
	Limit() float64
}

var _ Supply = (*psu.Supply)(nil)

// State is a snapshot of the controller.
type State struct {
	Phase    sample.Phase
	Step     int
	Setpoint float64
	Elapsed  time.Duration // Active recipe time, paused periods excluded
	Pressure float64       // Last pressure (mbar)
}

// Controller runs a recipe once. Samples are published on Samples()
// which is closed when Run returns.
type Controller struct {
	supply Supply
	gauge  gauge.Gauge
	cfg    config.AnnealConfig
	logger *zap.Logger

	samples chan sample.Sample
	started bool

	mu     sync.Mutex
	state  State
	paused bool
}

// New creates a controller. Pressure thresholds and intervals come from cfg.
func New(supply Supply, g gauge.Gauge, cfg *config.AnnealConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		supply:  supply,
		gauge:   g,
		cfg:     *cfg,
		logger:  logger,
		samples: make(chan sample.Sample, sample.DefaultBufferSize),
		state:   State{Phase: sample.PhaseIdle},
	}
}

// Samples returns the sample stream of the run.
func (c *Controller) Samples() <-chan sample.Sample {
	return c.samples
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes the recipe until it is done, the pressure trips, a hardware
// call fails or ctx is cancelled. The supply is switched off in every case.
func (c *Controller) Run(ctx context.Context, recipe Recipe) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRun
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.samples)

	if err := recipe.Validate(c.supply.Limit()); err != nil {
		return err
	}

	c.logger.Info("anneal started",
		zap.Int("steps", len(recipe.Steps)),
		zap.Duration("duration", recipe.Duration()),
	)

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		return c.control(gctx, recipe)
	})
	g.Go(func() error {
		return c.sampling(gctx, finished)
	})
	err := g.Wait()
	offErr := c.supply.Off()

	c.mu.Lock()
	switch {
	case errors.Is(err, ErrPressureTrip):
		c.state.Phase = sample.PhaseTripped
	case err == nil:
		c.state.Phase = sample.PhaseDone
	default:
		c.state.Phase = sample.PhaseIdle
	}
	c.state.Setpoint = 0
	c.mu.Unlock()

	if ctx.Err() != nil && !errors.Is(err, ErrPressureTrip) {
		c.logger.Info("anneal cancelled")
		err = ctx.Err()
	}
	if offErr != nil {
		err = multierr.Append(err, fmt.Errorf("switch supply off: %w", offErr))
	}
	if err != nil {
		c.logger.Error("anneal aborted", zap.Error(err))
		return err
	}
	c.logger.Info("anneal finished")
	return nil
}

// control advances the recipe on every control tick. Time spent paused
// does not count.
func (c *Controller) control(ctx context.Context, recipe Recipe) error {
	ticker := time.NewTicker(c.cfg.ControlInterval)
	defer ticker.Stop()

	if err := c.supply.SetCurrent(0); err != nil {
		return fmt.Errorf("program current: %w", err)
	}

	var (
		elapsed    time.Duration
		programmed float64
		step       int
	)
	last := time.Now()
	phase := sample.PhaseIdle
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			c.mu.Lock()
			paused := c.paused
			c.mu.Unlock()
			if paused {
				c.setPhase(sample.PhasePaused)
				if phase != sample.PhasePaused {
					c.logger.Warn("anneal paused on pressure", zap.Float64("pressure", c.State().Pressure))
					phase = sample.PhasePaused
				}
				continue
			}

			elapsed += dt
			pt := Setpoint(recipe, elapsed)
			if pt.Phase != phase {
				c.logger.Info("anneal phase",
					zap.String("phase", string(pt.Phase)),
					zap.Int("step", pt.Step),
					zap.Duration("elapsed", elapsed),
				)
				phase = pt.Phase
			}
			// A tick may cross the end of a step with no hold; its target
			// is still programmed before the next segment.
			for ; step < pt.Step && step < len(recipe.Steps); step++ {
				target := recipe.Steps[step].Current
				if target == programmed {
					continue
				}
				if err := c.supply.SetCurrent(target); err != nil {
					return fmt.Errorf("program current: %w", err)
				}
				programmed = target
			}
			if err := c.supply.SetCurrent(pt.Setpoint); err != nil {
				return fmt.Errorf("program current: %w", err)
			}
			programmed = pt.Setpoint

			c.mu.Lock()
			c.state.Phase = pt.Phase
			c.state.Step = pt.Step
			c.state.Setpoint = pt.Setpoint
			c.state.Elapsed = elapsed
			c.mu.Unlock()

			if pt.Phase == sample.PhaseDone {
				return nil
			}
		}
	}
}

func (c *Controller) setPhase(p sample.Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
}

// sampling reads the supply and the gauge, applies the pressure interlock
// and publishes samples until the control loop finishes.
func (c *Controller) sampling(ctx context.Context, finished <-chan struct{}) error {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-finished:
			return nil
		case <-ticker.C:
			s, err := c.sample(ctx)
			if err != nil {
				return err
			}

			tripped := s.Pressure > c.cfg.TripPressure
			if tripped {
				s.Phase = sample.PhaseTripped
			}
			c.publish(ctx, s)
			if tripped {
				return fmt.Errorf("%w: %.3g mbar above %.3g mbar", ErrPressureTrip, s.Pressure, c.cfg.TripPressure)
			}
		}
	}
}

// sample reads one measurement and updates the pause state.
func (c *Controller) sample(ctx context.Context) (sample.Sample, error) {
	var (
		rb      psu.Readback
		reading gauge.Reading
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rb, err = c.supply.Read()
		if err != nil {
			return fmt.Errorf("read supply: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		reading, err = c.gauge.Pressure(gctx)
		if err != nil {
			return fmt.Errorf("read pressure: %w", err)
		}
		if !reading.Status.HasValue() {
			return fmt.Errorf("%w: %s", ErrGaugeStatus, reading.Status)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return sample.Sample{}, err
	}

	p := reading.Mbar()
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.paused && p > c.cfg.PausePressure:
		c.paused = true
		c.state.Phase = sample.PhasePaused
	case c.paused && p < c.cfg.ResumePressure:
		c.paused = false
		c.logger.Info("anneal resumed", zap.Float64("pressure", p))
	}
	c.state.Pressure = p

	return sample.Sample{
		Timestamp: ts,
		Phase:     c.state.Phase,
		Step:      c.state.Step,
		Setpoint:  c.state.Setpoint,
		Current:   rb.Current,
		Voltage:   rb.Voltage,
		Pressure:  p,
		Status:    reading.Status,
	}, nil
}

func (c *Controller) publish(ctx context.Context, s sample.Sample) {
	select {
	case c.samples <- s:
	case <-ctx.Done():
	}
}
