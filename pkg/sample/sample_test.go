package sample

import (
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSample_Power(t *testing.T) {
	s := Sample{Current: 2, Voltage: 1.6}
	assert.InDelta(t, 3.2, s.Power(), 1e-12)
	assert.InDelta(t, 0.8, s.Resistance(), 1e-12)

	assert.Equal(t, 0.0, Sample{Voltage: 1}.Resistance())
}

func TestAverage(t *testing.T) {
	now := time.Now()
	samples := []Sample{
		{Timestamp: now, Phase: PhaseRamp, Current: 1, Voltage: 0.8, Pressure: 1e-9, Setpoint: 1},
		{Timestamp: now.Add(time.Second), Phase: PhaseRamp, Current: 2, Voltage: 1.6, Pressure: 1e-7, Setpoint: 2},
		{Timestamp: now.Add(2 * time.Second), Phase: PhaseHold, Current: 3, Voltage: 2.4, Pressure: 1e-8, Setpoint: 3, Status: gauge.StatusUnderrange},
	}

	avg := Average(samples)
	assert.Equal(t, samples[2].Timestamp, avg.Timestamp)
	assert.Equal(t, PhaseHold, avg.Phase)
	assert.Equal(t, 3.0, avg.Setpoint)
	assert.Equal(t, gauge.StatusUnderrange, avg.Status)
	assert.InDelta(t, 2.0, avg.Current, 1e-12)
	assert.InDelta(t, 1.6, avg.Voltage, 1e-12)
	assert.InEpsilon(t, 1e-8, avg.Pressure, 1e-9, "pressure is averaged in log space")

	assert.Equal(t, Sample{}, Average(nil))
}

func TestAverage_SkipsMissingPressure(t *testing.T) {
	avg := Average([]Sample{{Pressure: 0}, {Pressure: 4e-9}})
	assert.InEpsilon(t, 4e-9, avg.Pressure, 1e-9)

	avg = Average([]Sample{{Pressure: 0}})
	assert.Equal(t, 0.0, avg.Pressure)
}

func TestNewAveragingStage_BasicAveraging(t *testing.T) {
	stage := NewAveragingStage(3, 10, nil)

	in := make(chan Sample, 10)
	out := stage(in)

	now := time.Now()
	for i := 0; i < 5; i++ {
		in <- Sample{
			Timestamp: now.Add(time.Duration(i) * time.Millisecond),
			Current:   float64(i),
			Voltage:   1,
			Pressure:  1e-9,
		}
	}

	// Wait for the ticker to fire
	time.Sleep(150 * time.Millisecond)
	close(in)

	var samples []Sample
	for s := range out {
		samples = append(samples, s)
	}

	require.Len(t, samples, 1, "one tick, no new samples after it")
	// Window holds samples 2, 3 and 4.
	assert.InDelta(t, 3.0, samples[0].Current, 1e-12)
	assert.InDelta(t, 1.0, samples[0].Voltage, 1e-12)
	assert.InEpsilon(t, 1e-9, samples[0].Pressure, 1e-9)
}

func TestNewAveragingStage_FlushOnClose(t *testing.T) {
	stage := NewAveragingStage(0, 10, nil) // Invalid window size disables averaging

	in := make(chan Sample, 5)
	out := stage(in)

	in <- Sample{Current: 1}
	in <- Sample{Current: 5}
	close(in)

	var samples []Sample
	for s := range out {
		samples = append(samples, s)
	}
	require.NotEmpty(t, samples)
	assert.Equal(t, 5.0, samples[len(samples)-1].Current)
}

func TestNewAveragingStage_EmptyChannel(t *testing.T) {
	in := make(chan Sample)
	out := NewAveragingStage(3, 10, nil)(in)
	close(in)

	_, ok := <-out
	assert.False(t, ok, "Output channel should be closed")
}

func TestChain(t *testing.T) {
	double := func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample)
		go func() {
			defer close(out)
			for s := range in {
				s.Current *= 2
				out <- s
			}
		}()
		return out
	}

	in := make(chan Sample, 1)
	out := Chain(in, double, nil, double)
	in <- Sample{Current: 1.5}
	close(in)

	s, ok := <-out
	require.True(t, ok)
	assert.Equal(t, 6.0, s.Current)

	_, ok = <-out
	assert.False(t, ok)

	passthrough := make(chan Sample)
	assert.Equal(t, (<-chan Sample)(passthrough), Chain(passthrough))
}

func TestTee(t *testing.T) {
	in := make(chan Sample)
	outs := Tee(in, 2, 10)
	require.Len(t, outs, 2)

	go func() {
		for i := 0; i < 3; i++ {
			in <- Sample{Step: i}
		}
		close(in)
	}()

	for _, out := range outs {
		var steps []int
		for s := range out {
			steps = append(steps, s.Step)
		}
		assert.Equal(t, []int{0, 1, 2}, steps)
	}
}
