package scope

import (
	"fmt"
	"image/color"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"

	"github.com/itohio/goanneal/pkg/monitor"
	"github.com/itohio/goanneal/pkg/sample"
)

var (
	gridColor      = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	labelColor     = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	currentColor   = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	setpointColor  = color.RGBA{R: 120, G: 80, B: 0, A: 255}
	voltageColor   = color.RGBA{R: 100, G: 200, B: 255, A: 255}
	pressureColor  = color.RGBA{R: 120, G: 255, B: 120, A: 255}
	thresholdColor = color.RGBA{R: 200, G: 60, B: 60, A: 255}
	excursionColor = color.RGBA{R: 200, G: 60, B: 60, A: 60}
)

// Plot margins
const (
	marginLeft   = 60
	marginRight  = 60
	marginTop    = 30
	marginBottom = 30
)

// scopeRenderer rebuilds its canvas objects on every refresh.
type scopeRenderer struct {
	scope *ScopeWidget

	bg      *canvas.Rectangle
	objects []fyne.CanvasObject

	lastSize fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 300)
}

// Layout arranges the widget components.
func (r *scopeRenderer) Layout(size fyne.Size) {
	r.bg.Resize(size)
	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

// plot is the drawing area in widget coordinates.
type plot struct {
	x, y, w, h float32
}

func (p plot) pos(x, y float32) fyne.Position {
	return fyne.NewPos(p.x+x, p.y+y)
}

// Refresh redraws the scope.
func (r *scopeRenderer) Refresh() {
	s := r.scope
	s.mu.RLock()
	samples := s.samples
	excursions := s.excursions
	threshold := s.threshold
	lin, lg, ta := s.linear, s.log, s.time
	s.mu.RUnlock()

	size := s.Size()
	r.objects = []fyne.CanvasObject{r.bg}
	if size.Width <= marginLeft+marginRight || size.Height <= marginTop+marginBottom {
		return
	}

	p := plot{
		x: marginLeft,
		y: marginTop,
		w: size.Width - marginLeft - marginRight,
		h: size.Height - marginTop - marginBottom,
	}

	r.drawExcursions(p, excursions, ta)
	r.drawGrid(p, lin, lg, ta)
	if threshold > 0 {
		y := lg.y(threshold, p.h)
		r.line(p.pos(0, y), p.pos(p.w, y), thresholdColor, 1)
	}

	if len(samples) > 1 {
		r.drawSeries(p, samples, ta, currentColor, 1.5, func(smp sample.Sample) (float32, bool) {
			return lin.y(smp.Current, p.h), true
		})
		r.drawSeries(p, samples, ta, setpointColor, 1, func(smp sample.Sample) (float32, bool) {
			return lin.y(smp.Setpoint, p.h), true
		})
		r.drawSeries(p, samples, ta, voltageColor, 1.5, func(smp sample.Sample) (float32, bool) {
			return lin.y(smp.Voltage, p.h), true
		})
		r.drawSeries(p, samples, ta, pressureColor, 2, func(smp sample.Sample) (float32, bool) {
			return lg.y(smp.Pressure, p.h), smp.Status.HasValue()
		})
	}
	if len(samples) > 0 {
		r.drawStatus(p, samples[len(samples)-1])
	}
}

func (r *scopeRenderer) line(from, to fyne.Position, c color.Color, width float32) {
	l := canvas.NewLine(c)
	l.Position1 = from
	l.Position2 = to
	l.StrokeWidth = width
	r.objects = append(r.objects, l)
}

func (r *scopeRenderer) text(s string, pos fyne.Position, c color.Color, size float32, align fyne.TextAlign) {
	t := canvas.NewText(s, c)
	t.TextSize = size
	t.Alignment = align
	t.Move(pos)
	r.objects = append(r.objects, t)
}

// drawGrid draws the linear grid with its labels on the left, pressure
// decades on the right and elapsed time below.
func (r *scopeRenderer) drawGrid(p plot, lin linearAxis, lg logAxis, ta timeAxis) {
	const hLines = 8
	for i := range hLines + 1 {
		f := float32(i) / hLines
		y := p.h - f*p.h
		r.line(p.pos(0, y), p.pos(p.w, y), gridColor, 1)
		r.text(formatValue(lin.value(float64(f))), p.pos(-55, y-6), labelColor, 10, fyne.TextAlignLeading)
	}

	for _, d := range lg.decades() {
		y := lg.y(d, p.h)
		r.text(formatPressure(d), p.pos(p.w+5, y-6), pressureColor, 10, fyne.TextAlignLeading)
	}

	const vLines = 10
	span := ta.end.Sub(ta.start)
	for i := range vLines + 1 {
		x := float32(i) * p.w / vLines
		r.line(p.pos(x, 0), p.pos(x, p.h), gridColor, 1)
		r.text(formatElapsed(span*time.Duration(i)/vLines), p.pos(x-15, p.h+5), labelColor, 10, fyne.TextAlignLeading)
	}
}

// drawSeries connects the points of one quantity. Samples for which y
// reports false break the line.
func (r *scopeRenderer) drawSeries(p plot, samples []sample.Sample, ta timeAxis, c color.Color, width float32, y func(sample.Sample) (float32, bool)) {
	var (
		prev    fyne.Position
		hasPrev bool
	)
	for _, smp := range samples {
		v, ok := y(smp)
		if !ok {
			hasPrev = false
			continue
		}
		pos := p.pos(ta.x(smp.Timestamp, p.w), v)
		if hasPrev {
			r.line(prev, pos, c, width)
		}
		prev, hasPrev = pos, true
	}
}

// drawExcursions shades the time spans of pressure excursions.
func (r *scopeRenderer) drawExcursions(p plot, excursions []monitor.Excursion, ta timeAxis) {
	for _, e := range excursions {
		x0 := max(0, ta.x(e.StartTime, p.w))
		x1 := min(p.w, ta.x(e.EndTime, p.w))
		if x1 <= x0 {
			x1 = x0 + 1
		}
		band := canvas.NewRectangle(excursionColor)
		band.Move(p.pos(x0, 0))
		band.Resize(fyne.NewSize(x1-x0, p.h))
		r.objects = append(r.objects, band)

		r.text(formatPressure(e.Peak), p.pos(x0, -14), thresholdColor, 10, fyne.TextAlignLeading)
	}
}

// drawStatus prints the latest sample above the plot.
func (r *scopeRenderer) drawStatus(p plot, last sample.Sample) {
	status := fmt.Sprintf("%s  step %d  set %.3fA  I %.3fA  U %.2fV  P %.2fW  p %.2e mbar (%s)",
		last.Phase, last.Step+1, last.Setpoint, last.Current, last.Voltage, last.Power(), last.Pressure, last.Status)
	r.text(status, fyne.NewPos(p.x, 4), color.RGBA{R: 200, G: 200, B: 200, A: 255}, 11, fyne.TextAlignLeading)
}

// Objects returns all canvas objects for rendering.
func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *scopeRenderer) Destroy() {}
