package anneal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/sample"
)

// ErrEmptyRecipe is returned when a recipe has no steps.
var ErrEmptyRecipe = errors.New("anneal: recipe has no steps")

// Step ramps the current to Current at Rate and holds it for Hold.
type Step struct {
	Current float64 // A
	Rate    float64 // A/s
	Hold    time.Duration
}

// Recipe is an ordered list of steps. After the last step the current is
// ramped down to zero at CooldownRate.
type Recipe struct {
	Steps        []Step  `yaml:"steps"`
	CooldownRate float64 `yaml:"cooldown_rate"` // A/s
}

// RecipeFromConfig builds a recipe from the anneal section of the config.
func RecipeFromConfig(cfg *config.AnnealConfig) Recipe {
	r := Recipe{CooldownRate: cfg.CooldownRate}
	for _, s := range cfg.Steps {
		r.Steps = append(r.Steps, Step{Current: s.Current, Rate: s.Rate, Hold: s.Hold})
	}
	return r
}

// Validate checks the recipe against the supply current limit.
func (r Recipe) Validate(limit float64) error {
	if len(r.Steps) == 0 {
		return ErrEmptyRecipe
	}
	if r.CooldownRate <= 0 {
		return fmt.Errorf("cooldown rate must be positive, got %g", r.CooldownRate)
	}
	for i, s := range r.Steps {
		switch {
		case s.Current < 0 || math.IsNaN(s.Current):
			return fmt.Errorf("step %d: invalid current %g", i, s.Current)
		case s.Current > limit:
			return fmt.Errorf("step %d: current %g A above limit %g A", i, s.Current, limit)
		case s.Rate <= 0:
			return fmt.Errorf("step %d: rate must be positive, got %g", i, s.Rate)
		case s.Hold < 0:
			return fmt.Errorf("step %d: negative hold %v", i, s.Hold)
		}
	}
	return nil
}

// Duration returns the total run time including the cooldown.
func (r Recipe) Duration() time.Duration {
	var total float64
	prev := 0.0
	for _, s := range r.Steps {
		total += math.Abs(s.Current-prev)/s.Rate + s.Hold.Seconds()
		prev = s.Current
	}
	if prev > 0 && r.CooldownRate > 0 {
		total += prev / r.CooldownRate
	}
	return seconds(total)
}

// Point is the programmed state of a recipe at some time.
type Point struct {
	Setpoint float64 // A
	Phase    sample.Phase
	Step     int // Step index, len(Steps) during cooldown
}

// Setpoint returns the recipe state after elapsed active time. The
// profile starts from 0 A. Once the cooldown is over the phase is done.
func Setpoint(r Recipe, elapsed time.Duration) Point {
	t := elapsed.Seconds()
	if t < 0 {
		t = 0
	}

	prev := 0.0
	for i, s := range r.Steps {
		ramp := math.Abs(s.Current-prev) / s.Rate
		if t < ramp {
			current := prev + math.Copysign(s.Rate*t, s.Current-prev)
			return Point{Setpoint: current, Phase: sample.PhaseRamp, Step: i}
		}
		t -= ramp

		hold := s.Hold.Seconds()
		if t < hold {
			return Point{Setpoint: s.Current, Phase: sample.PhaseHold, Step: i}
		}
		t -= hold
		prev = s.Current
	}

	if prev > 0 && r.CooldownRate > 0 {
		if cool := prev / r.CooldownRate; t < cool {
			return Point{Setpoint: prev - r.CooldownRate*t, Phase: sample.PhaseCooldown, Step: len(r.Steps)}
		}
	}
	return Point{Setpoint: 0, Phase: sample.PhaseDone, Step: len(r.Steps)}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
