package stepper

import (
	"fmt"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/u3"
)

// SimulateController drives the setting LED lines of a u3.Simulator as a
// controller in the given mode would.
func SimulateController(sim *u3.Simulator, cfg *config.StepperConfig, setting Setting) error {
	pins, err := ResolvePins(cfg)
	if err != nil {
		return err
	}

	lit := -1
	switch setting {
	case Auto:
	case Continuous, Burst, Single:
		lit = pins["LED_"+string(setting)]
	default:
		return fmt.Errorf("unknown controller setting %q", setting)
	}

	leds := map[int]bool{}
	for _, led := range settingLEDs {
		leds[pins[led.pin]] = true
	}
	sim.SetDigitalSource(func(io int) (bool, bool) {
		if !leds[io] {
			return false, false
		}
		return io != lit, true
	})
	return nil
}
