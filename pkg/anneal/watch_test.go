package anneal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch(t *testing.T) {
	supply := &fakeSupply{}
	require.NoError(t, supply.SetCurrent(1.5))
	g := &fakeGauge{pressure: 3e-10}

	ctx, cancel := context.WithCancel(context.Background())
	ch := Watch(ctx, supply, g, time.Millisecond, nil)

	var got []sample.Sample
	for s := range ch {
		got = append(got, s)
		if len(got) == 3 {
			cancel()
		}
	}
	cancel()

	require.GreaterOrEqual(t, len(got), 3)
	for _, s := range got[:3] {
		assert.Equal(t, sample.PhaseIdle, s.Phase)
		assert.Equal(t, 1.5, s.Current)
		assert.InDelta(t, 1.2, s.Voltage, 1e-9)
		assert.Equal(t, 3e-10, s.Pressure)
	}
	setpoint, _, _ := supply.snapshot()
	assert.Equal(t, 1.5, setpoint, "watch never drives the supply")
}

func TestWatch_GaugeOnlyAndErrors(t *testing.T) {
	g := &fakeGauge{err: errors.New("no answer")}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var n int
	for range Watch(ctx, nil, g, time.Millisecond, nil) {
		n++
	}
	assert.Zero(t, n)
	g.mu.Lock()
	assert.Greater(t, g.calls, 1)
	g.mu.Unlock()
}
