package scope

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"
)

// linearAxis maps values onto a vertical pixel span.
type linearAxis struct {
	min, max float64
}

// newLinearAxis returns an axis covering values with a 10% margin. The
// axis always includes zero since currents and voltages start there.
func newLinearAxis(values ...[]float64) linearAxis {
	a := linearAxis{min: 0, max: 0}
	for _, vs := range values {
		for _, v := range vs {
			a.min = min(a.min, v)
			a.max = max(a.max, v)
		}
	}
	span := a.max - a.min
	if span == 0 {
		span = 1
	}
	a.max += span * 0.1
	if a.min < 0 {
		a.min -= span * 0.1
	}
	return a
}

// y returns the pixel offset from the top of a plot of the given height.
func (a linearAxis) y(v float64, height float32) float32 {
	return height - float32((v-a.min)/(a.max-a.min))*height
}

// value returns the axis value at fraction f from the bottom.
func (a linearAxis) value(f float64) float64 {
	return a.min + f*(a.max-a.min)
}

// logAxis maps pressures onto whole decades.
type logAxis struct {
	lo, hi float32 // Decade exponents
}

// newLogAxis returns the decade range covering all positive pressures.
// Without data it spans 1e-11..1e-7 mbar.
func newLogAxis(pressures []float64) logAxis {
	a := logAxis{lo: math32.Inf(1), hi: math32.Inf(-1)}
	for _, p := range pressures {
		if p <= 0 {
			continue
		}
		e := math32.Log10(float32(p))
		a.lo = math32.Min(a.lo, e)
		a.hi = math32.Max(a.hi, e)
	}
	if math32.IsInf(a.lo, 1) {
		return logAxis{lo: -11, hi: -7}
	}
	a.lo = math32.Floor(a.lo)
	a.hi = math32.Ceil(a.hi)
	if a.hi-a.lo < 1 {
		a.hi = a.lo + 1
	}
	return a
}

// y returns the pixel offset of pressure p, clamped to the plot.
func (a logAxis) y(p float64, height float32) float32 {
	if p <= 0 {
		return height
	}
	f := (math32.Log10(float32(p)) - a.lo) / (a.hi - a.lo)
	f = math32.Max(0, math32.Min(1, f))
	return height - f*height
}

// decades returns the pressures of the decade grid lines.
func (a logAxis) decades() []float64 {
	var out []float64
	for e := a.lo; e <= a.hi; e++ {
		out = append(out, float64(math32.Pow(10, e)))
	}
	return out
}

// timeAxis maps timestamps onto the horizontal pixel span.
type timeAxis struct {
	start, end time.Time
}

// newTimeAxis spans the given times, at least window long.
func newTimeAxis(first, last time.Time, window time.Duration) timeAxis {
	if last.Sub(first) < window {
		last = first.Add(window)
	}
	return timeAxis{start: first, end: last}
}

func (a timeAxis) x(t time.Time, width float32) float32 {
	span := a.end.Sub(a.start).Seconds()
	if span <= 0 {
		return 0
	}
	return float32(t.Sub(a.start).Seconds()/span) * width
}

// formatValue labels the shared current (A) and voltage (V) axis.
func formatValue(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func formatPressure(p float64) string {
	return fmt.Sprintf("%.0e", p)
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
