package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/itohio/goanneal/pkg/rig"
	"github.com/itohio/goanneal/pkg/stepper"
)

func newStepperCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stepper",
		Short: "Piezo coarse motor",
	}

	setting := &cobra.Command{
		Use:   "setting",
		Short: "Print the controller motion mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStepper(func(s *stepper.Controller) error {
				mode, err := s.Setting()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mode)
				return nil
			})
		},
	}

	pins := &cobra.Command{
		Use:   "pins",
		Short: "Print the resolved controller wiring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := stepper.ResolvePins(&c.cfg.Stepper)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(resolved))
			for name := range resolved {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s IO%d\n", name, resolved[name])
			}
			return nil
		},
	}

	walk := &cobra.Command{
		Use:   "walk <direction> <duration>",
		Short: "Move continuously for a duration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stepper.ParseDirection(args[0])
			if err != nil {
				return err
			}
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[1], err)
			}
			return c.withStepper(func(s *stepper.Controller) error {
				return s.Walk(cmd.Context(), dir, d)
			})
		},
	}

	var pulse time.Duration
	steps := &cobra.Command{
		Use:   "steps <direction> <n>",
		Short: "Move n single steps",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, n, err := parseMove(args)
			if err != nil {
				return err
			}
			return c.withStepper(func(s *stepper.Controller) error {
				return s.WalkSteps(cmd.Context(), dir, n, pulse)
			})
		},
	}
	steps.Flags().DurationVar(&pulse, "pulse", 0, "Pulse length, 0 uses the configured step pulse")

	bursts := &cobra.Command{
		Use:   "bursts <direction> <n>",
		Short: "Move n bursts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, n, err := parseMove(args)
			if err != nil {
				return err
			}
			return c.withStepper(func(s *stepper.Controller) error {
				return s.WalkBursts(cmd.Context(), dir, n)
			})
		},
	}

	turn := &cobra.Command{
		Use:   "turn <change|direction>",
		Short: "Run a calibrated turn around sequence",
		Long: `Runs the burst sequence compensating the coarse motion hysteresis, for a
change such as fwd_to_back or starting from a direction such as fwd.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStepper(func(s *stepper.Controller) error {
				if dir, err := stepper.ParseDirection(args[0]); err == nil {
					return s.TurnAroundFrom(cmd.Context(), dir)
				}
				return s.TurnAround(cmd.Context(), args[0])
			})
		},
	}

	convert := &cobra.Command{
		Use:   "convert <direction> <n>",
		Short: "Convert steps taken the opposite way into steps along direction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, n, err := parseMove(args)
			if err != nil {
				return err
			}
			s, err := stepper.New(nil, &c.cfg.Stepper, c.logger)
			if err != nil {
				return err
			}
			m, err := s.ConvertSteps(dir, n)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m)
			return nil
		},
	}

	cmd.AddCommand(setting, pins, walk, steps, bursts, turn, convert)
	return cmd
}

func parseMove(args []string) (stepper.Direction, int, error) {
	dir, err := stepper.ParseDirection(args[0])
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid step count %q", args[1])
	}
	return dir, n, nil
}

func (c *cli) withStepper(fn func(s *stepper.Controller) error) (err error) {
	r, err := c.open(rig.Stepper, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()
	return fn(r.Stepper)
}
