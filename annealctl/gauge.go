package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/rig"
)

var errNotSerial = errors.New("command needs the gauge in serial mode")

func newGaugeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gauge",
		Short: "PKR251 pressure readout",
	}

	var (
		count    int
		interval time.Duration
	)
	read := &cobra.Command{
		Use:   "read",
		Short: "Print the pressure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := c.open(rig.Gauge, false)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, r.Close())
			}()

			ctx := cmd.Context()
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				rd, err := r.Gauge.Pressure(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %.3e %s %s\n",
					rd.Timestamp.Format("15:04:05.000"), rd.Pressure, rd.Unit, rd.Status)
			}
			return nil
		},
	}
	read.Flags().IntVarP(&count, "count", "n", 1, "Number of readings")
	read.Flags().DurationVar(&interval, "interval", time.Second, "Time between readings")

	id := &cobra.Command{
		Use:   "id",
		Short: "Print the connected gauge types and controller error status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSerialGauge(func(r *rig.Rig) error {
				ids, err := r.Serial.Identify(cmd.Context())
				if err != nil {
					return err
				}
				status, err := r.Serial.ErrorStatus(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for i, name := range ids {
					fmt.Fprintf(out, "channel %d: %s\n", i+1, name)
				}
				fmt.Fprintf(out, "status: %s\n", status)
				return nil
			})
		},
	}

	units := &cobra.Command{
		Use:   "units [mbar|Torr|Pa]",
		Short: "Print or change the controller pressure unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSerialGauge(func(r *rig.Rig) error {
				if len(args) == 1 {
					u, err := gauge.ParseUnit(args[0])
					if err != nil {
						return err
					}
					if err := r.Serial.SetUnits(cmd.Context(), u); err != nil {
						return err
					}
				}
				u, err := r.Serial.Units(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}

	cmd.AddCommand(read, id, units)
	return cmd
}

func (c *cli) withSerialGauge(fn func(r *rig.Rig) error) (err error) {
	if c.cfg.Gauge.Mode != config.GaugeModeSerial {
		return errNotSerial
	}
	r, err := c.open(rig.Gauge, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()
	return fn(r)
}
