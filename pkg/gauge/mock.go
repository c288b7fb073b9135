package gauge

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/itohio/goanneal/pkg/config"
)

// PKR251 measurement range in mbar.
const (
	pkrMinMbar = 5e-9
	pkrMaxMbar = 1000
)

// Mock simulates the chamber pressure seen by the gauge. The pressure
// relaxes towards base + gain * heater power with the pump time constant.
type Mock struct {
	cfg   *config.MockConfig
	unit  Unit
	power func() float64 // W

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	startTime time.Time
	pressure  float64 // mbar, noiseless
	latest    Reading
}

var _ Gauge = (*Mock)(nil)

// NewMock creates a simulated gauge. power may be nil for an unheated chamber.
func NewMock(cfg *config.MockConfig, unit Unit, power func() float64) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}
	if power == nil {
		power = func() float64 { return 0 }
	}
	return &Mock{
		cfg:      cfg,
		unit:     unit,
		power:    power,
		pressure: cfg.BasePressure,
	}
}

// Connect starts the simulation.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return errors.New("gauge: already connected")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	m.connected = true
	m.startTime = time.Now()
	m.latest = m.reading(m.startTime)

	go m.simulate(m.ctx, m.done)
	return nil
}

// Close stops the simulation.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	return nil
}

// Pressure returns the latest simulated reading.
func (m *Mock) Pressure(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return Reading{}, ErrNotConnected
	}
	return m.latest, nil
}

// Mbar returns the noiseless chamber pressure in mbar.
func (m *Mock) Mbar() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure
}

func (m *Mock) simulate(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.step(m.cfg.SampleRate.Seconds(), now)
		}
	}
}

// step advances the chamber model by dt seconds.
func (m *Mock) step(dt float64, now time.Time) {
	target := m.cfg.BasePressure + m.cfg.OutgassingGain*m.power()

	m.mu.Lock()
	defer m.mu.Unlock()

	tau := m.cfg.PumpTimeConstant.Seconds()
	alpha := 1.0
	if tau > 0 {
		alpha = 1 - math.Exp(-dt/tau)
	}
	m.pressure += alpha * (target - m.pressure)
	m.latest = m.reading(now)
}

// reading builds a noisy reading of the current state. m.mu must be held.
func (m *Mock) reading(now time.Time) Reading {
	t := float64(now.Sub(m.startTime).Nanoseconds())
	noise := (math.Sin(t*1e-9*7.3) + math.Cos(t*1e-9*3.1)) * m.cfg.NoiseLevel * 0.5
	p := m.pressure * (1 + noise)

	status := StatusOK
	switch {
	case p < pkrMinMbar:
		status = StatusUnderrange
	case p > pkrMaxMbar:
		status = StatusOverrange
	}
	return Reading{
		Timestamp: now,
		Pressure:  m.unit.FromMbar(p),
		Unit:      m.unit,
		Status:    status,
	}
}
