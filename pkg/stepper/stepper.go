// Package stepper drives the Ferrovac STM piezo coarse motion controller
// through digital lines of a LabJack U3.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/u3"
	"go.uber.org/zap"
)

var (
	// ErrWrongSetting is returned when the controller is not in the mode a walk needs.
	ErrWrongSetting = errors.New("stepper: wrong controller setting")
	// ErrUnknownDirection is returned for an invalid direction name.
	ErrUnknownDirection = errors.New("stepper: unknown direction")
	// ErrUnknownTurn is returned for a direction change without a calibrated sequence.
	ErrUnknownTurn = errors.New("stepper: unknown direction change")
)

// Direction is a coarse motion direction.
type Direction string

// Directions understood by the controller.
const (
	Left  Direction = "left"
	Right Direction = "right"
	Back  Direction = "back"
	Down  Direction = "down"
	Fwd   Direction = "fwd"
	Up    Direction = "up"
	Stop  Direction = "stop"
)

// patterns holds the bit0, bit1, bit2 levels selecting each direction.
var patterns = map[Direction][3]bool{
	Left:  {true, false, true},
	Right: {true, true, false},
	Back:  {false, true, false},
	Down:  {true, false, false},
	Fwd:   {false, false, true},
	Up:    {false, true, true},
	Stop:  {true, true, true},
}

var opposite = map[Direction]Direction{
	Fwd:   Back,
	Back:  Fwd,
	Right: Left,
	Left:  Right,
	Up:    Down,
	Down:  Up,
}

var turnAroundFrom = map[Direction]string{
	Left:  "left_to_right",
	Right: "right_to_left",
	Fwd:   "fwd_to_back",
	Back:  "back_to_fwd",
}

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if _, ok := patterns[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
	return d, nil
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() (Direction, error) {
	o, ok := opposite[d]
	if !ok {
		return "", fmt.Errorf("%w: %q has no opposite", ErrUnknownDirection, d)
	}
	return o, nil
}

// Pattern returns the bit0..bit2 levels for the direction.
func (d Direction) Pattern() ([3]bool, error) {
	p, ok := patterns[d]
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnknownDirection, d)
	}
	return p, nil
}

// Setting is the motion mode selected on the controller front panel.
type Setting string

// Controller settings.
const (
	Continuous Setting = "cont"
	Burst      Setting = "burst"
	Single     Setting = "single"
	Auto       Setting = "auto"
)

// settingLEDs are checked in this order; the last lit LED wins.
var settingLEDs = []struct {
	pin     string
	setting Setting
}{
	{"LED_cont", Continuous},
	{"LED_burst", Burst},
	{"LED_single", Single},
}

var bitPins = [3]string{"bit0", "bit1", "bit2"}

// DigitalIO is the subset of the U3 the controller is wired to.
type DigitalIO interface {
	DIOState(io int) (bool, error)
	WriteBits(bits []u3.Bit) error
}

// Controller sends motion pulses to the piezo controller.
type Controller struct {
	dev    DigitalIO
	cfg    config.StepperConfig
	pins   map[string]int
	logger *zap.Logger
}

// ResolvePins composes the wiring tables and maps every controller pin
// wired to a U3 terminal to its IO number. Pins ending on GND or an
// unconnected wire are left out.
func ResolvePins(cfg *config.StepperConfig) (map[string]int, error) {
	labels, err := Compose(cfg.ControllerPins, cfg.DSUB9Pins, cfg.CableWiring)
	if err != nil {
		return nil, err
	}

	pins := make(map[string]int, len(labels))
	for name, label := range labels {
		n, err := u3.ParseChannel(label)
		if err != nil {
			continue
		}
		pins[name] = n
	}

	required := append(bitPins[:], "LED_cont", "LED_burst", "LED_single")
	for _, name := range required {
		if _, ok := pins[name]; !ok {
			return nil, fmt.Errorf("controller pin %s is not wired to a U3 terminal", name)
		}
	}
	return pins, nil
}

// New creates a controller for the configured wiring.
func New(dev DigitalIO, cfg *config.StepperConfig, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pins, err := ResolvePins(cfg)
	if err != nil {
		return nil, err
	}
	return &Controller{dev: dev, cfg: *cfg, pins: pins, logger: logger}, nil
}

// Pins returns the U3 IO number of each controller pin.
func (c *Controller) Pins() map[string]int {
	out := make(map[string]int, len(c.pins))
	for k, v := range c.pins {
		out[k] = v
	}
	return out
}

// Setting reads the motion mode from the front panel LEDs. An LED reads
// low when lit; with no LED lit the controller is in auto mode.
func (c *Controller) Setting() (Setting, error) {
	setting := Auto
	for _, led := range settingLEDs {
		state, err := c.dev.DIOState(c.pins[led.pin])
		if err != nil {
			return "", fmt.Errorf("read %s: %w", led.pin, err)
		}
		if !state {
			setting = led.setting
		}
	}
	return setting, nil
}

// set drives the direction bits.
func (c *Controller) set(d Direction) error {
	p, err := d.Pattern()
	if err != nil {
		return err
	}
	bits := make([]u3.Bit, len(bitPins))
	for i, name := range bitPins {
		bits[i] = u3.Bit{IO: c.pins[name], State: p[i]}
	}
	if err := c.dev.WriteBits(bits); err != nil {
		return fmt.Errorf("set direction %s: %w", d, err)
	}
	return nil
}

// Walk sends one stop-direction-stop pulse of duration d. In continuous
// mode the controller moves for the pulse duration; in single mode any
// pulse is one step.
func (c *Controller) Walk(ctx context.Context, dir Direction, d time.Duration) error {
	if _, err := dir.Pattern(); err != nil {
		return err
	}
	if err := c.set(Stop); err != nil {
		return err
	}
	if err := c.set(dir); err != nil {
		return err
	}
	if err := sleep(ctx, d/2); err != nil {
		return c.abort(err)
	}
	if err := c.set(Stop); err != nil {
		return err
	}
	return sleep(ctx, d/2)
}

// abort stops motion after a cancelled pulse.
func (c *Controller) abort(err error) error {
	if stopErr := c.set(Stop); stopErr != nil {
		c.logger.Error("failed to stop piezo motion", zap.Error(stopErr))
	}
	return err
}

// WalkSteps sends n single-step pulses. The controller must be in single mode.
func (c *Controller) WalkSteps(ctx context.Context, dir Direction, n int, d time.Duration) error {
	if err := c.require(Single); err != nil {
		return err
	}
	if d <= 0 {
		d = c.cfg.StepPulse
	}
	return c.pulses(ctx, dir, n, d)
}

// WalkBursts sends n burst pulses. The controller must be in burst mode.
func (c *Controller) WalkBursts(ctx context.Context, dir Direction, n int) error {
	if err := c.require(Burst); err != nil {
		return err
	}
	return c.pulses(ctx, dir, n, c.cfg.BurstPulse)
}

func (c *Controller) require(want Setting) error {
	got, err := c.Setting()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: need %s, controller is in %s", ErrWrongSetting, want, got)
	}
	return nil
}

func (c *Controller) pulses(ctx context.Context, dir Direction, n int, d time.Duration) error {
	if n < 0 {
		return fmt.Errorf("invalid step count %d", n)
	}
	if _, err := dir.Pattern(); err != nil {
		return err
	}

	c.logger.Debug("walking", zap.String("direction", string(dir)), zap.Int("pulses", n), zap.Duration("pulse", d))
	for i := 0; i < n; i++ {
		if err := c.Walk(ctx, dir, d); err != nil {
			return err
		}
		if err := sleep(ctx, c.cfg.StepPause); err != nil {
			return err
		}
	}
	return nil
}

// TurnAround runs the calibrated burst sequence for a 180 degree direction
// change such as "fwd_to_back", compensating the coarse motion hysteresis.
func (c *Controller) TurnAround(ctx context.Context, change string) error {
	seq, ok := c.cfg.TurnAround[change]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTurn, change)
	}
	for _, m := range seq {
		dir, err := ParseDirection(m.Direction)
		if err != nil {
			return fmt.Errorf("turn around %s: %w", change, err)
		}
		if err := c.WalkBursts(ctx, dir, m.Steps); err != nil {
			return err
		}
	}
	return nil
}

// TurnAroundFrom runs the turn around sequence starting from dir.
func (c *Controller) TurnAroundFrom(ctx context.Context, dir Direction) error {
	if _, err := dir.Pattern(); err != nil {
		return err
	}
	change, ok := turnAroundFrom[dir]
	if !ok {
		return fmt.Errorf("%w: no turn around from %s", ErrUnknownTurn, dir)
	}
	return c.TurnAround(ctx, change)
}

// ConvertSteps converts a step count along the opposite direction into the
// number of steps covering the same distance along to.
func (c *Controller) ConvertSteps(to Direction, n int) (int, error) {
	ratio, ok := c.cfg.Ratios[string(to)]
	if !ok {
		return 0, fmt.Errorf("%w: no step ratio for %q", ErrUnknownDirection, to)
	}
	return int(float64(n) * ratio), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
