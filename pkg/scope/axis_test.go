package scope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinearAxis(t *testing.T) {
	a := newLinearAxis([]float64{0, 1, 2}, []float64{0.5, 1.6})
	assert.Equal(t, 0.0, a.min)
	assert.InDelta(t, 2.2, a.max, 1e-9)

	assert.InDelta(t, 100, a.y(0, 100), 1e-4)
	assert.InDelta(t, 0, a.y(2.2, 100), 1e-4)
	assert.InDelta(t, 1.1, a.value(0.5), 1e-9)

	empty := newLinearAxis()
	assert.Equal(t, 0.0, empty.min)
	assert.InDelta(t, 0.1, empty.max, 1e-9)
}

func TestLogAxis(t *testing.T) {
	a := newLogAxis([]float64{3e-10, 2e-9, 0, -1})
	assert.Equal(t, float32(-10), a.lo)
	assert.Equal(t, float32(-8), a.hi)
	assert.Len(t, a.decades(), 3)
	assert.InEpsilon(t, 1e-10, a.decades()[0], 1e-5)

	assert.InDelta(t, 100, a.y(1e-10, 100), 1e-3)
	assert.InDelta(t, 50, a.y(1e-9, 100), 1e-3)
	assert.InDelta(t, 0, a.y(1e-8, 100), 1e-3)
	assert.InDelta(t, 0, a.y(1, 100), 1e-3, "clamped")
	assert.InDelta(t, 100, a.y(0, 100), 1e-3)

	single := newLogAxis([]float64{2e-9})
	assert.Equal(t, float32(-9), single.lo)
	assert.Equal(t, float32(-8), single.hi)

	def := newLogAxis(nil)
	assert.Equal(t, logAxis{lo: -11, hi: -7}, def)
}

func TestTimeAxis(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTimeAxis(t0, t0.Add(5*time.Second), 10*time.Second)
	assert.Equal(t, t0.Add(10*time.Second), a.end)
	assert.InDelta(t, 50, a.x(t0.Add(5*time.Second), 100), 1e-4)

	a = newTimeAxis(t0, t0.Add(time.Minute), 10*time.Second)
	assert.InDelta(t, 100, a.x(t0.Add(time.Minute), 100), 1e-4)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.50", formatValue(1.5))
	assert.Equal(t, "1e-09", formatPressure(1e-9))
	assert.Equal(t, "30s", formatElapsed(30*time.Second))
	assert.Equal(t, "1.5m", formatElapsed(90*time.Second))
	assert.Equal(t, "2.0h", formatElapsed(2*time.Hour))
}
