// Package scope provides a Fyne widget plotting an anneal run.
package scope

import (
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/goanneal/pkg/monitor"
	"github.com/itohio/goanneal/pkg/sample"
)

const maxDisplayPoints = 1000

// ScopeWidget plots current and voltage on a linear axis and the pressure
// on a log axis. Pressure excursions are shaded.
type ScopeWidget struct {
	widget.BaseWidget

	mu         sync.RWMutex
	window     time.Duration
	samples    []sample.Sample // Downsampled for display
	excursions []monitor.Excursion
	threshold  float64 // Excursion pressure (mbar), 0 hides the line

	// Axes, recomputed on every update
	linear linearAxis
	log    logAxis
	time   timeAxis
}

// New creates a scope showing at least window of data.
func New(window time.Duration, threshold float64) *ScopeWidget {
	s := &ScopeWidget{
		window:    window,
		samples:   make([]sample.Sample, 0, maxDisplayPoints),
		threshold: threshold,
	}
	s.updateAxes()
	s.ExtendBaseWidget(s)
	return s
}

// UpdateData replaces the plotted data. It has the signature of
// monitor.UpdateFunc but must run on the Fyne thread, see fyne.Do.
func (s *ScopeWidget) UpdateData(samples []sample.Sample, _ []float64, excursions []monitor.Excursion) {
	s.mu.Lock()
	s.samples = sample.Downsample(s.samples, samples, maxDisplayPoints)
	s.excursions = excursions
	s.updateAxes()
	s.mu.Unlock()

	s.Refresh()
}

// Configure changes the minimum time span and the excursion pressure line.
func (s *ScopeWidget) Configure(window time.Duration, threshold float64) {
	s.mu.Lock()
	s.window = window
	s.threshold = threshold
	s.updateAxes()
	s.mu.Unlock()

	s.Refresh()
}

// Clear removes all data.
func (s *ScopeWidget) Clear() {
	s.UpdateData(nil, nil, nil)
}

// updateAxes recomputes the axis ranges. s.mu must be held.
func (s *ScopeWidget) updateAxes() {
	currents := make([]float64, 0, 2*len(s.samples))
	voltages := make([]float64, 0, len(s.samples))
	pressures := make([]float64, 0, len(s.samples)+1)
	for _, smp := range s.samples {
		currents = append(currents, smp.Current, smp.Setpoint)
		voltages = append(voltages, smp.Voltage)
		if smp.Status.HasValue() {
			pressures = append(pressures, smp.Pressure)
		}
	}
	if s.threshold > 0 && len(pressures) > 0 {
		pressures = append(pressures, s.threshold)
	}

	s.linear = newLinearAxis(currents, voltages)
	s.log = newLogAxis(pressures)

	now := time.Now()
	first, last := now, now
	if n := len(s.samples); n > 0 {
		first, last = s.samples[0].Timestamp, s.samples[n-1].Timestamp
	}
	s.time = newTimeAxis(first, last, s.window)
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	bg := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255})
	return &scopeRenderer{
		scope:   s,
		bg:      bg,
		objects: []fyne.CanvasObject{bg},
	}
}
