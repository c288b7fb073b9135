// Command annealctl drives the annealing hardware from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/logging"
	"github.com/itohio/goanneal/pkg/rig"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags and what PersistentPreRunE builds from them.
type cli struct {
	configPath string
	mock       bool
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "annealctl",
		Short: "LTSTM sample annealing from the command line",
		Long: `annealctl controls the Delta Elektronika supply through a LabJack U3,
reads the PKR251 gauge and steps the piezo coarse motor.

Every command opens only the instruments it needs. --mock replaces them
with simulations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg

			logger, err := logging.New(&cfg.Log, c.verbose)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "Configuration file path")
	root.PersistentFlags().BoolVar(&c.mock, "mock", false, "Use simulated hardware")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newRunCmd(c),
		newPSUCmd(c),
		newGaugeCmd(c),
		newStepperCmd(c),
		newPortsCmd(c),
		newRunsCmd(c),
		newConfigCmd(c),
	)
	return root
}

// open opens the given instruments.
func (c *cli) open(parts rig.Part, keepOutput bool) (*rig.Rig, error) {
	r, err := rig.Open(c.cfg, rig.Options{
		Parts:      parts,
		Mock:       c.mock,
		KeepOutput: keepOutput,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open hardware: %w", err)
	}
	return r, nil
}
