package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/itohio/goanneal/pkg/rig"
)

func newPSUCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "psu",
		Short: "Power supply readback and programming",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print output voltage and current",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := c.open(rig.Supply, true)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, r.Close())
			}()

			vmon, err := r.Supply.MonitorVoltage()
			if err != nil {
				return err
			}
			imon, err := r.Supply.MonitorCurrent()
			if err != nil {
				return err
			}
			rb, err := r.Supply.Read()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model    %s\n", r.Supply.Model().Name)
			fmt.Fprintf(out, "voltage  %.3f V (monitor %.4f V)\n", rb.Voltage, vmon)
			fmt.Fprintf(out, "current  %.3f A (monitor %.4f V)\n", rb.Current, imon)
			fmt.Fprintf(out, "power    %.3f W\n", rb.Voltage*rb.Current)
			return nil
		},
	}

	var (
		rate float64
		tick time.Duration
	)
	set := &cobra.Command{
		Use:   "set <current>",
		Short: "Program the output current in A",
		Long: `Programs the output current. With --ramp the setpoint moves from zero
at the given rate. The output stays on after the command exits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			current, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid current %q: %w", args[0], err)
			}

			r, err := c.open(rig.Supply, true)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, r.Close())
			}()

			if rate > 0 {
				err = r.Supply.Ramp(cmd.Context(), current, rate, tick)
			} else {
				err = r.Supply.SetCurrent(current)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current set to %.3f A\n", r.Supply.Setpoint())
			return nil
		},
	}
	set.Flags().Float64Var(&rate, "ramp", 0, "Ramp rate in A/s, 0 sets the current at once")
	set.Flags().DurationVar(&tick, "tick", 200*time.Millisecond, "Ramp update interval")

	off := &cobra.Command{
		Use:   "off",
		Short: "Program zero current",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(rig.Supply, false)
			if err != nil {
				return err
			}
			// Close switches the output off.
			if err := r.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "output off")
			return nil
		},
	}

	cmd.AddCommand(get, set, off)
	return cmd
}
