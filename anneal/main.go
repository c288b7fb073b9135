package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/anneal"
	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/logging"
	"github.com/itohio/goanneal/pkg/monitor"
	"github.com/itohio/goanneal/pkg/record"
	"github.com/itohio/goanneal/pkg/rig"
	"github.com/itohio/goanneal/pkg/sample"
	"github.com/itohio/goanneal/pkg/scope"
)

func main() {
	var (
		configPath     string
		useMock        bool
		verbose        bool
		port           string
		averageSamples int
	)

	cmd := &cobra.Command{
		Use:   "anneal",
		Short: "Sample annealing with power supply and pressure scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Gauge.Port = port
			}
			if cmd.Flags().Changed("average-samples") {
				cfg.Anneal.AverageSamples = averageSamples
			}

			logger, err := logging.New(&cfg.Log, verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			runApp(cfg, configPath, useMock, logger)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	cmd.Flags().BoolVar(&useMock, "mock", false, "Use simulated hardware")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Gauge serial port override (e.g., COM3 or /dev/ttyUSB0)")
	cmd.Flags().IntVar(&averageSamples, "average-samples", 0, "Number of samples to average (0 = disabled, overrides config)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runApp(cfg *config.Config, configPath string, useMock bool, logger *zap.Logger) {
	application := app.NewWithID("com.itohio.goanneal")

	window := application.NewWindow("LTSTM Anneal")
	window.Resize(fyne.NewSize(1200, 800))
	window.CenterOnScreen()

	state := &appState{
		cfg:        cfg,
		configPath: configPath,
		useMock:    useMock,
		logger:     logger,
		window:     window,
	}

	store, err := record.Open(cfg.Record.Path)
	if err != nil {
		logger.Warn("runs will not be recorded", zap.Error(err))
	} else {
		state.store = store
	}

	state.scopeWidget = scope.New(windowDuration(cfg), cfg.Monitor.ExcursionPressure)
	state.newMonitor()

	toolbar := createToolbar(state)
	window.SetContent(container.NewBorder(toolbar, nil, nil, nil, state.scopeWidget))
	window.SetOnClosed(state.shutdown)
	window.ShowAndRun()
}

func windowDuration(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Monitor.WindowSeconds * float64(time.Second))
}

// measurementChain tracks the goroutines consuming one sample stream.
type measurementChain struct {
	cancel context.CancelFunc // Stops the source; nil when the controller owns it
	done   chan struct{}      // Closed when all consumers finished
}

// runState is an anneal run in progress.
type runState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// appState holds the application state. Fields are only touched from the
// Fyne thread unless noted.
type appState struct {
	cfg        *config.Config
	configPath string
	useMock    bool
	logger     *zap.Logger
	window     fyne.Window

	scopeWidget *scope.ScopeWidget
	monitor     *monitor.Monitor
	store       *record.Store // nil when the database could not be opened

	connectBtn *widget.Button
	startBtn   *widget.Button
	stopBtn    *widget.Button
	phaseLabel *widget.Label

	rig   *rig.Rig
	chain *measurementChain
	run   *runState

	// Accessed from the monitor goroutine
	updateMu       sync.Mutex
	lastUpdateTime time.Time
	lastPhase      sample.Phase
}

// createToolbar creates the toolbar with connect, start, stop and settings
// buttons and the phase indicator.
func createToolbar(state *appState) fyne.CanvasObject {
	state.connectBtn = widget.NewButtonWithIcon("", theme.LoginIcon(), func() {
		handleConnect(state)
	})

	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(state)
	})

	state.startBtn = widget.NewButtonWithIcon("Start", theme.MediaPlayIcon(), func() {
		handleStart(state)
	})
	state.startBtn.Disable()

	state.stopBtn = widget.NewButtonWithIcon("Stop", theme.MediaStopIcon(), func() {
		handleStop(state)
	})
	state.stopBtn.Disable()

	state.phaseLabel = widget.NewLabel(string(sample.PhaseIdle))

	return container.NewBorder(
		nil,
		nil,
		container.NewHBox(state.connectBtn, settingsBtn, state.startBtn, state.stopBtn),
		state.phaseLabel,
		nil,
	)
}

// newMonitor creates the pressure monitor from the config and connects it
// to the scope.
func (state *appState) newMonitor() {
	state.monitor = monitor.New(&state.cfg.Monitor)

	// ~60 FPS
	const updateInterval = 16 * time.Millisecond
	state.monitor.OnUpdate(func(samples []sample.Sample, slopes []float64, excursions []monitor.Excursion) {
		if len(samples) > 0 {
			updatePhaseFromSample(state, samples[len(samples)-1])
		}

		state.updateMu.Lock()
		now := time.Now()
		if now.Sub(state.lastUpdateTime) < updateInterval {
			state.updateMu.Unlock()
			return
		}
		state.lastUpdateTime = now
		state.updateMu.Unlock()

		onMainThread(func() {
			state.scopeWidget.UpdateData(samples, slopes, excursions)
		})
	})
}

// startChain feeds stream into the monitor and, for runs, into the
// recorder.
func (state *appState) startChain(stream <-chan sample.Sample, cancel context.CancelFunc, runID int64) *measurementChain {
	if n := state.cfg.Anneal.AverageSamples; n > 0 {
		stream = sample.Chain(stream, sample.NewAveragingStage(n, 0, state.logger))
	}

	chain := &measurementChain{cancel: cancel, done: make(chan struct{})}
	mon := state.monitor
	mon.ResetShutdown()

	var wg sync.WaitGroup
	if runID > 0 && state.store != nil {
		outs := sample.Tee(stream, 2, 0)
		stream = outs[0]

		recorder := record.NewRecorder(state.store, state.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Consume(runID, outs[1]); err != nil {
				state.logger.Error("recording incomplete", zap.Int64("run", runID), zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Process(stream)
	}()

	go func() {
		wg.Wait()
		close(chain.done)
	}()
	return chain
}

// closeMeasurementChain stops the source if it owns it and waits for the
// consumers to drain.
func closeMeasurementChain(chain *measurementChain) {
	if chain == nil {
		return
	}
	if chain.cancel != nil {
		chain.cancel()
	}
	<-chain.done
}

// startWatch shows live readings while no run is active.
func (state *appState) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	stream := anneal.Watch(ctx, state.rig.Supply, state.rig.Gauge, state.cfg.Anneal.SampleInterval, state.logger)
	state.chain = state.startChain(stream, cancel, 0)
}

// handleConnect connects to or disconnects from the hardware.
func handleConnect(state *appState) {
	if state.rig != nil {
		closeMeasurementChain(state.chain)
		state.chain = nil
		if err := state.rig.Close(); err != nil {
			state.logger.Warn("error while disconnecting", zap.Error(err))
		}
		state.rig = nil
		state.startBtn.Disable()
		state.connectBtn.SetIcon(theme.LoginIcon())
		state.logger.Info("disconnected")
		return
	}

	r, err := rig.Open(state.cfg, rig.Options{Parts: rig.Anneal, Mock: state.useMock, Logger: state.logger})
	if err != nil {
		dialog.ShowError(fmt.Errorf("failed to connect: %w", err), state.window)
		return
	}
	state.rig = r
	state.connectBtn.SetIcon(theme.LogoutIcon())
	state.startBtn.Enable()

	state.monitor.Reset()
	state.startWatch()
}

// handleStart starts the recipe from the config.
func handleStart(state *appState) {
	if state.rig == nil || state.run != nil {
		return
	}

	recipe := anneal.RecipeFromConfig(&state.cfg.Anneal)
	if err := recipe.Validate(state.rig.Supply.Limit()); err != nil {
		dialog.ShowError(fmt.Errorf("invalid recipe: %w", err), state.window)
		return
	}

	closeMeasurementChain(state.chain)
	state.chain = nil

	var runID int64
	if state.store != nil {
		id, err := state.store.CreateRun(recipe)
		if err != nil {
			state.logger.Error("failed to create run record", zap.Error(err))
		} else {
			runID = id
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := anneal.New(state.rig.Supply, state.rig.Gauge, &state.cfg.Anneal, state.logger)
	chain := state.startChain(ctrl.Samples(), nil, runID)
	run := &runState{cancel: cancel, done: make(chan struct{})}
	state.run = run
	state.chain = chain

	state.connectBtn.Disable()
	state.startBtn.Disable()
	state.stopBtn.Enable()
	state.logger.Info("run started", zap.Int64("run", runID), zap.Duration("duration", recipe.Duration()))

	go func() {
		defer close(run.done)
		defer cancel()
		err := ctrl.Run(ctx, recipe)
		<-chain.done

		if runID > 0 {
			if ferr := state.store.Finish(runID, record.OutcomeOf(err)); ferr != nil {
				err = multierr.Append(err, ferr)
			}
		}
		fyne.Do(func() {
			finishRun(state, run, err)
		})
	}()
}

// finishRun restores the idle view after a run.
func finishRun(state *appState, run *runState, err error) {
	if state.run != run {
		return
	}
	state.run = nil
	state.chain = nil
	state.stopBtn.Disable()
	state.connectBtn.Enable()

	if err != nil && !errors.Is(err, context.Canceled) {
		dialog.ShowError(fmt.Errorf("anneal stopped: %w", err), state.window)
	}
	if state.rig != nil {
		state.startBtn.Enable()
		state.startWatch()
	}
}

// handleStop cancels the running recipe. The supply is switched off by
// the controller.
func handleStop(state *appState) {
	if state.run != nil {
		state.run.cancel()
	}
}

// shutdown stops everything when the window closes.
func (state *appState) shutdown() {
	if state.run != nil {
		state.run.cancel()
		<-state.run.done
		state.run = nil
		state.chain = nil
	}
	closeMeasurementChain(state.chain)
	state.chain = nil
	if state.rig != nil {
		if err := state.rig.Close(); err != nil {
			state.logger.Warn("error while disconnecting", zap.Error(err))
		}
		state.rig = nil
	}
	if state.store != nil {
		state.store.Close()
	}
}
