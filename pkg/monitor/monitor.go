// Package monitor keeps a time window of process samples, tracks the
// pressure trend and detects pressure excursions.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/itohio/goanneal/pkg/config"
	"github.com/itohio/goanneal/pkg/sample"
)

var _ PressureMonitor = (*Monitor)(nil)

// Excursion is a period during which the pressure stayed above the threshold.
type Excursion struct {
	StartIndex int // Start sample index in buffer, 0 once the start left the window
	EndIndex   int // Last sample index above threshold
	StartTime  time.Time
	EndTime    time.Time
	Peak       float64 // Highest pressure (mbar)
	Active     bool    // Pressure is still above threshold
}

// Duration returns how long the excursion lasted so far.
func (e Excursion) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// UpdateFunc receives copies of the buffers after every sample.
type UpdateFunc func(samples []sample.Sample, slopes []float64, excursions []Excursion)

// PressureMonitor processes samples, maintains buffers, and detects excursions.
type PressureMonitor interface {
	Process(input <-chan sample.Sample)
	Samples() []sample.Sample // Current window, oldest first
	Slopes() []float64        // d log10(p)/dt in decades/s, n-1 slopes for n samples
	Excursions() []Excursion  // Excursions longer than the minimum duration within the window
	OnUpdate(UpdateFunc)
}

// Monitor implements PressureMonitor.
//
// slope[i] is the change of log10 pressure between sample[i] and
// sample[i+1] divided by their time difference. Samples are dropped by
// timestamp once they leave the window and their slopes go with them.
type Monitor struct {
	mu         sync.RWMutex
	samples    []sample.Sample
	slopes     []float64
	excursions []Excursion // All candidates, including ones still too short
	shutdown   bool        // Set when the input channel closes, prevents further callbacks

	callbacks []UpdateFunc
	cbMu      sync.RWMutex

	windowDuration time.Duration
	threshold      float64
	minDuration    time.Duration
}

// New creates a Monitor.
func New(cfg *config.MonitorConfig) *Monitor {
	return &Monitor{
		windowDuration: time.Duration(cfg.WindowSeconds * float64(time.Second)),
		threshold:      cfg.ExcursionPressure,
		minDuration:    time.Duration(cfg.MinExcursionDuration * float64(time.Second)),
	}
}

// Process consumes samples until the input channel closes. Afterwards no
// further callbacks are sent until ResetShutdown is called.
func (m *Monitor) Process(input <-chan sample.Sample) {
	for s := range input {
		m.processSample(s)
	}
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// Add processes a single sample.
func (m *Monitor) Add(s sample.Sample) {
	m.processSample(s)
}

func (m *Monitor) processSample(s sample.Sample) {
	m.mu.Lock()
	m.append(s)
	notify := !m.shutdown
	m.mu.Unlock()

	if notify {
		m.notifyCallbacks()
	}
}

// append adds a sample and updates slopes and excursions. m.mu must be held.
func (m *Monitor) append(s sample.Sample) {
	m.samples = append(m.samples, s)

	// Drop samples outside the time window
	cutoff := s.Timestamp.Add(-m.windowDuration)
	drop := 0
	for i, old := range m.samples {
		if old.Timestamp.After(cutoff) {
			drop = i
			break
		}
	}
	if drop > 0 {
		m.samples = m.samples[drop:]
		if drop <= len(m.slopes) {
			m.slopes = m.slopes[drop:]
		} else {
			m.slopes = m.slopes[:0]
		}

		kept := m.excursions[:0]
		for _, e := range m.excursions {
			e.StartIndex -= drop
			e.EndIndex -= drop
			if e.EndIndex < 0 {
				continue
			}
			if e.StartIndex < 0 {
				// StartTime keeps the real start
				e.StartIndex = 0
			}
			kept = append(kept, e)
		}
		m.excursions = kept
	}

	last := len(m.samples) - 1
	if last >= 1 {
		prev := m.samples[last-1]
		dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt > 0 {
			m.slopes = append(m.slopes, logSlope(prev.Pressure, s.Pressure, dt))
		} else {
			m.slopes = append(m.slopes, 0)
		}
		if len(m.slopes) > last {
			m.slopes = m.slopes[len(m.slopes)-last:]
		}
	}

	m.updateExcursions(last)
}

func logSlope(p0, p1, dt float64) float64 {
	if p0 <= 0 || p1 <= 0 {
		return 0
	}
	return (math.Log10(p1) - math.Log10(p0)) / dt
}

// updateExcursions extends, closes or opens an excursion for sample idx.
func (m *Monitor) updateExcursions(idx int) {
	s := m.samples[idx]
	var active *Excursion
	if n := len(m.excursions); n > 0 && m.excursions[n-1].Active {
		active = &m.excursions[n-1]
	}

	if s.Pressure > m.threshold && s.Status.HasValue() {
		if active != nil {
			active.EndIndex = idx
			active.EndTime = s.Timestamp
			active.Peak = math.Max(active.Peak, s.Pressure)
			return
		}
		m.excursions = append(m.excursions, Excursion{
			StartIndex: idx,
			EndIndex:   idx,
			StartTime:  s.Timestamp,
			EndTime:    s.Timestamp,
			Peak:       s.Pressure,
			Active:     true,
		})
		return
	}

	if active == nil {
		return
	}
	active.Active = false
	if active.Duration() < m.minDuration {
		// Spike, forget it
		m.excursions = m.excursions[:len(m.excursions)-1]
	}
}

// filtered returns the excursions long enough to report. m.mu must be held.
func (m *Monitor) filtered() []Excursion {
	result := make([]Excursion, 0, len(m.excursions))
	for _, e := range m.excursions {
		if e.Duration() >= m.minDuration {
			result = append(result, e)
		}
	}
	return result
}

// Samples returns a copy of the current samples buffer.
func (m *Monitor) Samples() []sample.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]sample.Sample, len(m.samples))
	copy(result, m.samples)
	return result
}

// Slopes returns a copy of the current slopes buffer.
func (m *Monitor) Slopes() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]float64, len(m.slopes))
	copy(result, m.slopes)
	return result
}

// Excursions returns the excursions longer than the minimum duration.
func (m *Monitor) Excursions() []Excursion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered()
}

// Trend returns the mean slope over the last d of the window in decades/s.
func (m *Monitor) Trend(d time.Duration) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.samples)
	if n < 2 {
		return 0
	}
	last := m.samples[n-1]
	first := n - 1
	for first > 0 && last.Timestamp.Sub(m.samples[first-1].Timestamp) <= d {
		first--
	}
	if first == n-1 {
		first = n - 2
	}
	dt := last.Timestamp.Sub(m.samples[first].Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return logSlope(m.samples[first].Pressure, last.Pressure, dt)
}

// OnUpdate registers a callback invoked after every processed sample.
// The callback should copy what it needs and return quickly.
func (m *Monitor) OnUpdate(callback UpdateFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ResetShutdown allows callbacks again before a new Process call.
func (m *Monitor) ResetShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = false
}

// Reset clears all buffers.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.slopes = nil
	m.excursions = nil
}

// notifyCallbacks copies the buffers under the read lock and invokes the
// callbacks without holding any lock.
func (m *Monitor) notifyCallbacks() {
	m.mu.RLock()
	samples := make([]sample.Sample, len(m.samples))
	copy(samples, m.samples)
	slopes := make([]float64, len(m.slopes))
	copy(slopes, m.slopes)
	excursions := m.filtered()
	m.mu.RUnlock()

	m.cbMu.RLock()
	callbacks := make([]UpdateFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(samples, slopes, excursions)
		}
	}
}
