package main

import (
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/goanneal/pkg/sample"
)

// updatePhaseFromSample updates the phase indicator when the phase of the
// incoming samples changes. Called from the monitor goroutine.
func updatePhaseFromSample(state *appState, s sample.Sample) {
	state.updateMu.Lock()
	if state.lastPhase == s.Phase {
		state.updateMu.Unlock()
		return
	}
	state.lastPhase = s.Phase
	state.updateMu.Unlock()

	fyne.Do(func() {
		updatePhaseLabel(state.phaseLabel, s)
	})
}

// updatePhaseLabel shows the phase with an importance matching its urgency.
func updatePhaseLabel(label *widget.Label, s sample.Sample) {
	text := string(s.Phase)
	switch s.Phase {
	case sample.PhaseRamp, sample.PhaseHold:
		text = fmt.Sprintf("%s (step %d)", s.Phase, s.Step+1)
	}
	label.SetText(text)
	label.Importance = phaseImportance(s.Phase)
	label.Refresh()
}

func phaseImportance(p sample.Phase) widget.Importance {
	switch p {
	case sample.PhaseTripped:
		return widget.DangerImportance
	case sample.PhasePaused:
		return widget.WarningImportance
	case sample.PhaseRamp, sample.PhaseHold, sample.PhaseCooldown:
		return widget.HighImportance
	case sample.PhaseDone:
		return widget.SuccessImportance
	}
	return widget.MediumImportance
}
