package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Process_NoCallbacksAfterClose(t *testing.T) {
	m := New(testConfig())

	var count atomic.Int32
	m.OnUpdate(func([]sample.Sample, []float64, []Excursion) {
		count.Add(1)
	})

	input := make(chan sample.Sample, 10)
	done := make(chan struct{})
	go func() {
		m.Process(input)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		input <- at(float64(i), 1e-9)
	}
	close(input)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Process did not return after input closed")
	}
	require.Equal(t, int32(3), count.Load())

	// Samples added after shutdown are buffered but not announced
	m.Add(at(3, 1e-9))
	assert.Equal(t, int32(3), count.Load())
	assert.Len(t, m.Samples(), 4)
}

func TestMonitor_ResetShutdown(t *testing.T) {
	m := New(testConfig())

	var count atomic.Int32
	m.OnUpdate(func([]sample.Sample, []float64, []Excursion) {
		count.Add(1)
	})

	input := make(chan sample.Sample)
	close(input)
	m.Process(input)

	m.Add(at(0, 1e-9))
	assert.Zero(t, count.Load())

	m.ResetShutdown()
	input = make(chan sample.Sample, 2)
	input <- at(1, 1e-9)
	input <- at(2, 1e-9)
	close(input)
	m.Process(input)

	assert.Equal(t, int32(2), count.Load())
}

func TestMonitor_CallbackMayQuery(t *testing.T) {
	m := New(testConfig())

	// Callbacks run without locks held, so they can call back into the monitor
	var lengths []int
	m.OnUpdate(func([]sample.Sample, []float64, []Excursion) {
		lengths = append(lengths, len(m.Samples()))
		_ = m.Excursions()
	})

	input := make(chan sample.Sample, 3)
	for i := 0; i < 3; i++ {
		input <- at(float64(i), 1e-9)
	}
	close(input)

	finished := make(chan struct{})
	go func() {
		m.Process(input)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("deadlock in callback")
	}
	assert.Equal(t, []int{1, 2, 3}, lengths)
}
