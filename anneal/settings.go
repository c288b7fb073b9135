package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/gauge"
)

// showSettingsDialog displays the configuration tabs.
func showSettingsDialog(state *appState) {
	tabs := container.NewAppTabs(
		createSupplyTab(state),
		createGaugeTab(state),
		createRecipeTab(state),
		createInterlockTab(state),
		createMonitorTab(state),
		createMockTab(state),
	)

	content := container.NewBorder(nil, nil, nil, nil, tabs)
	content.Resize(fyne.NewSize(600, 500))

	d := dialog.NewCustom("Settings", "Close", content, state.window)
	d.Resize(fyne.NewSize(600, 500))
	d.Show()
}

// save validates and writes the config. Hardware settings take effect on
// the next connect.
func (state *appState) save() bool {
	if err := state.cfg.Validate(); err != nil {
		dialog.ShowError(err, state.window)
		return false
	}
	if err := state.cfg.Save(state.configPath); err != nil {
		dialog.ShowError(fmt.Errorf("failed to save config: %w", err), state.window)
		return false
	}
	return true
}

func floatEntry(v float64, format string) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(fmt.Sprintf(format, v))
	return e
}

func setFloat(dst *float64, e *widget.Entry) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(e.Text), 64); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, e *widget.Entry) {
	if v, err := time.ParseDuration(strings.TrimSpace(e.Text)); err == nil {
		*dst = v
	}
}

// createSupplyTab edits the power supply model and wiring.
func createSupplyTab(state *appState) *container.TabItem {
	ps := &state.cfg.PowerSupply

	model := widget.NewSelect([]string{"ES03010", "SM7022"}, nil)
	model.SetSelected(ps.Model)
	vmon := widget.NewEntry()
	vmon.SetText(ps.VoltageMonitor)
	imon := widget.NewEntry()
	imon.SetText(ps.CurrentMonitor)
	program := widget.NewSelect([]string{"DAC0", "DAC1"}, nil)
	program.SetSelected(ps.CurrentProgram)
	correction := floatEntry(ps.CorrectionFactor, "%.3f")
	maxCurrent := floatEntry(ps.MaxCurrent, "%.2f")
	analogInputs := widget.NewEntry()
	analogInputs.SetText(strconv.Itoa(state.cfg.LabJack.AnalogInputs))
	modbus := widget.NewCheck("Program DAC through Modbus", nil)
	modbus.SetChecked(state.cfg.LabJack.ModbusDAC)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Model", Widget: model},
			{Text: "Voltage monitor", Widget: vmon},
			{Text: "Current monitor", Widget: imon},
			{Text: "Current program", Widget: program},
			{Text: "Correction factor", Widget: correction},
			{Text: "Max current (A, 0=model)", Widget: maxCurrent},
			{Text: "Analog inputs", Widget: analogInputs},
			{Text: "", Widget: modbus},
		},
		OnSubmit: func() {
			ps.Model = model.Selected
			ps.VoltageMonitor = strings.ToUpper(strings.TrimSpace(vmon.Text))
			ps.CurrentMonitor = strings.ToUpper(strings.TrimSpace(imon.Text))
			ps.CurrentProgram = program.Selected
			setFloat(&ps.CorrectionFactor, correction)
			setFloat(&ps.MaxCurrent, maxCurrent)
			if n, err := strconv.Atoi(analogInputs.Text); err == nil {
				state.cfg.LabJack.AnalogInputs = n
			}
			state.cfg.LabJack.ModbusDAC = modbus.Checked
			state.save()
		},
	}
	return container.NewTabItem("Power Supply", form)
}

// createGaugeTab edits the gauge readout.
func createGaugeTab(state *appState) *container.TabItem {
	g := &state.cfg.Gauge

	ports, err := gauge.Ports()
	portOptions := []string{}
	portMap := make(map[string]string) // Display name to port name
	if err == nil {
		for _, port := range ports {
			display := port.Name
			if port.Description != "" && port.Description != port.Name {
				display = fmt.Sprintf("%s (%s)", port.Name, port.Description)
			}
			portOptions = append(portOptions, display)
			portMap[display] = port.Name
		}
	}

	current := g.Port
	for _, opt := range portOptions {
		if portMap[opt] == g.Port {
			current = opt
			break
		}
	}
	if _, ok := portMap[current]; !ok && current != "" {
		portOptions = append(portOptions, current)
		portMap[current] = current
	}

	portSelect := widget.NewSelect(portOptions, nil)
	portSelect.SetSelected(current)
	mode := widget.NewRadioGroup([]string{config.GaugeModeSerial, config.GaugeModeAnalog}, nil)
	mode.Horizontal = true
	mode.SetSelected(g.Mode)
	channel := widget.NewSelect([]string{"1", "2"}, nil)
	channel.SetSelected(strconv.Itoa(g.Channel))
	unit := widget.NewSelect([]string{"mbar", "torr", "pa"}, nil)
	unit.SetSelected(g.Unit)
	analogInput := widget.NewEntry()
	analogInput.SetText(g.AnalogInput)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Mode", Widget: mode},
			{Text: "Serial port", Widget: portSelect},
			{Text: "Channel", Widget: channel},
			{Text: "Unit", Widget: unit},
			{Text: "Analog input", Widget: analogInput},
		},
		OnSubmit: func() {
			g.Mode = mode.Selected
			if p := portMap[portSelect.Selected]; p != "" {
				g.Port = p
			}
			if n, err := strconv.Atoi(channel.Selected); err == nil {
				g.Channel = n
			}
			g.Unit = unit.Selected
			g.AnalogInput = strings.ToUpper(strings.TrimSpace(analogInput.Text))
			state.save()
		},
	}
	return container.NewTabItem("Gauge", form)
}

// createRecipeTab edits the anneal steps, one "current rate hold" per line.
func createRecipeTab(state *appState) *container.TabItem {
	a := &state.cfg.Anneal

	steps := widget.NewMultiLineEntry()
	steps.SetText(formatSteps(a.Steps))
	steps.SetMinRowsVisible(6)
	cooldown := floatEntry(a.CooldownRate, "%.3f")

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Steps (A  A/s  hold)", Widget: steps},
			{Text: "Cooldown rate (A/s)", Widget: cooldown},
		},
		OnSubmit: func() {
			parsed, err := parseSteps(steps.Text)
			if err != nil {
				dialog.ShowError(err, state.window)
				return
			}
			a.Steps = parsed
			setFloat(&a.CooldownRate, cooldown)
			state.save()
		},
	}
	return container.NewTabItem("Recipe", form)
}

// createInterlockTab edits the pressure thresholds and timing.
func createInterlockTab(state *appState) *container.TabItem {
	a := &state.cfg.Anneal

	pause := floatEntry(a.PausePressure, "%.2e")
	resume := floatEntry(a.ResumePressure, "%.2e")
	trip := floatEntry(a.TripPressure, "%.2e")
	control := widget.NewEntry()
	control.SetText(a.ControlInterval.String())
	sampleInterval := widget.NewEntry()
	sampleInterval.SetText(a.SampleInterval.String())
	average := widget.NewEntry()
	average.SetText(strconv.Itoa(a.AverageSamples))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Pause above (mbar)", Widget: pause},
			{Text: "Resume below (mbar)", Widget: resume},
			{Text: "Trip above (mbar)", Widget: trip},
			{Text: "Control interval", Widget: control},
			{Text: "Sample interval", Widget: sampleInterval},
			{Text: "Average samples (0=disabled)", Widget: average},
		},
		OnSubmit: func() {
			setFloat(&a.PausePressure, pause)
			setFloat(&a.ResumePressure, resume)
			setFloat(&a.TripPressure, trip)
			setDuration(&a.ControlInterval, control)
			setDuration(&a.SampleInterval, sampleInterval)
			if n, err := strconv.Atoi(average.Text); err == nil {
				a.AverageSamples = n
			}
			state.save()
		},
	}
	return container.NewTabItem("Interlock", form)
}

// createMonitorTab edits the excursion detection.
func createMonitorTab(state *appState) *container.TabItem {
	m := &state.cfg.Monitor

	window := floatEntry(m.WindowSeconds, "%.0f")
	threshold := floatEntry(m.ExcursionPressure, "%.2e")
	minDuration := floatEntry(m.MinExcursionDuration, "%.1f")

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Window (seconds)", Widget: window},
			{Text: "Excursion pressure (mbar)", Widget: threshold},
			{Text: "Min excursion duration (s)", Widget: minDuration},
		},
		OnSubmit: func() {
			setFloat(&m.WindowSeconds, window)
			setFloat(&m.ExcursionPressure, threshold)
			setFloat(&m.MinExcursionDuration, minDuration)
			if !state.save() {
				return
			}
			state.scopeWidget.Configure(windowDuration(state.cfg), m.ExcursionPressure)
			// Applies from the next connect or run
			state.newMonitor()
		},
	}
	return container.NewTabItem("Monitor", form)
}

// createMockTab edits the simulated hardware.
func createMockTab(state *appState) *container.TabItem {
	m := &state.cfg.Mock

	base := floatEntry(m.BasePressure, "%.2e")
	gain := floatEntry(m.OutgassingGain, "%.2e")
	tau := widget.NewEntry()
	tau.SetText(m.PumpTimeConstant.String())
	load := floatEntry(m.LoadResistance, "%.3f")
	noise := floatEntry(m.NoiseLevel, "%.3f")
	rate := widget.NewEntry()
	rate.SetText(m.SampleRate.String())
	setting := widget.NewSelect([]string{"cont", "burst", "single", "auto"}, nil)
	setting.SetSelected(m.ControllerSetting)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Base pressure (mbar)", Widget: base},
			{Text: "Outgassing (mbar/W)", Widget: gain},
			{Text: "Pump time constant", Widget: tau},
			{Text: "Load resistance (Ω)", Widget: load},
			{Text: "Noise level", Widget: noise},
			{Text: "Sample rate", Widget: rate},
			{Text: "Piezo controller", Widget: setting},
		},
		OnSubmit: func() {
			setFloat(&m.BasePressure, base)
			setFloat(&m.OutgassingGain, gain)
			setDuration(&m.PumpTimeConstant, tau)
			setFloat(&m.LoadResistance, load)
			setFloat(&m.NoiseLevel, noise)
			setDuration(&m.SampleRate, rate)
			m.ControllerSetting = setting.Selected
			state.save()
		},
	}
	return container.NewTabItem("Mock", form)
}

// formatSteps renders steps one per line as "current rate hold".
func formatSteps(steps []config.StepConfig) string {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = fmt.Sprintf("%g %g %s", s.Current, s.Rate, s.Hold)
	}
	return strings.Join(lines, "\n")
}

// parseSteps is the inverse of formatSteps. Blank lines and lines starting
// with # are skipped.
func parseSteps(text string) ([]config.StepConfig, error) {
	var steps []config.StepConfig
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want \"current rate hold\", got %q", n+1, line)
		}
		current, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: current: %w", n+1, err)
		}
		rate, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: rate: %w", n+1, err)
		}
		hold, err := time.ParseDuration(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: hold: %w", n+1, err)
		}
		steps = append(steps, config.StepConfig{Current: current, Rate: rate, Hold: hold})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("recipe needs at least one step")
	}
	return steps, nil
}
