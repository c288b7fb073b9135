package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/anneal"
	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/monitor"
	"github.com/itohio/goanneal/pkg/record"
	"github.com/itohio/goanneal/pkg/rig"
	"github.com/itohio/goanneal/pkg/sample"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		noRecord bool
		quiet    bool
		step     config.StepConfig
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the anneal recipe",
		Long: `Runs the recipe from the config, or a single step given with --current,
--rate and --hold. Ctrl-C stops the run and switches the supply off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe := anneal.RecipeFromConfig(&c.cfg.Anneal)
			if cmd.Flags().Changed("current") {
				recipe.Steps = []anneal.Step{{Current: step.Current, Rate: step.Rate, Hold: step.Hold}}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return c.run(ctx, cmd.OutOrStdout(), recipe, !noRecord, quiet)
		},
	}
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "Do not store the run")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the result")
	cmd.Flags().Float64Var(&step.Current, "current", 0, "Single step current (A)")
	cmd.Flags().Float64Var(&step.Rate, "rate", 0.05, "Single step ramp rate (A/s)")
	cmd.Flags().DurationVar(&step.Hold, "hold", 10*time.Minute, "Single step hold time")
	return cmd
}

func (c *cli) run(ctx context.Context, out io.Writer, recipe anneal.Recipe, rec, quiet bool) (err error) {
	r, err := c.open(rig.Anneal, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	if err := recipe.Validate(r.Supply.Limit()); err != nil {
		return err
	}

	var (
		store *record.Store
		runID int64
	)
	if rec {
		store, err = record.Open(c.cfg.Record.Path)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, store.Close())
		}()
		if runID, err = store.CreateRun(recipe); err != nil {
			return err
		}
	}

	ctrl := anneal.New(r.Supply, r.Gauge, &c.cfg.Anneal, c.logger)
	stream := ctrl.Samples()
	if n := c.cfg.Anneal.AverageSamples; n > 0 {
		stream = sample.Chain(stream, sample.NewAveragingStage(n, 0, c.logger))
	}

	mon := monitor.New(&c.cfg.Monitor)
	var wg sync.WaitGroup
	outs := sample.Tee(stream, 2, 0)

	wg.Add(1)
	go func() {
		defer wg.Done()
		printSamples(out, outs[0], mon, quiet)
	}()

	var recErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		if store == nil {
			for range outs[1] {
			}
			return
		}
		recErr = record.NewRecorder(store, c.logger).Consume(runID, outs[1])
	}()

	fmt.Fprintf(out, "running %d steps, %s\n", len(recipe.Steps), recipe.Duration())
	runErr := ctrl.Run(ctx, recipe)
	wg.Wait()

	outcome := record.OutcomeOf(runErr)
	if store != nil {
		if err := store.Finish(runID, outcome); err != nil {
			recErr = multierr.Append(recErr, err)
		}
		fmt.Fprintf(out, "run %d: %s\n", runID, outcome)
	} else {
		fmt.Fprintf(out, "run: %s\n", outcome)
	}
	if exc := mon.Excursions(); len(exc) > 0 {
		fmt.Fprintf(out, "%d pressure excursions in the last %.0f s\n", len(exc), c.cfg.Monitor.WindowSeconds)
	}
	if recErr != nil {
		c.logger.Error("recording incomplete", zap.Error(recErr))
	}

	if outcome == record.OutcomeCancelled {
		return nil
	}
	return multierr.Append(runErr, recErr)
}

// printSamples feeds the monitor and prints one line per sample.
func printSamples(out io.Writer, in <-chan sample.Sample, mon *monitor.Monitor, quiet bool) {
	for s := range in {
		mon.Add(s)
		if quiet {
			continue
		}
		fmt.Fprintf(out, "%s %-8s step %d  set %6.3f A  I %6.3f A  U %6.2f V  p %.2e mbar  %+.3f dec/min\n",
			s.Timestamp.Format("15:04:05"), s.Phase, s.Step+1, s.Setpoint, s.Current, s.Voltage,
			s.Pressure, mon.Trend(30*time.Second)*60)
	}
}
