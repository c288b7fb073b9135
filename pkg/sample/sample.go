// Package sample defines the process samples of an anneal run and the
// channel stages that filter them.
package sample

import (
	"time"

	"github.com/itohio/goanneal/pkg/gauge"
)

// DefaultBufferSize is the default buffer of stage output channels.
const DefaultBufferSize = 100

// Phase is the state of the anneal controller when a sample was taken.
type Phase string

// Controller phases.
const (
	PhaseIdle     Phase = "idle"
	PhaseRamp     Phase = "ramp"
	PhaseHold     Phase = "hold"
	PhasePaused   Phase = "paused"
	PhaseCooldown Phase = "cooldown"
	PhaseDone     Phase = "done"
	PhaseTripped  Phase = "tripped"
)

// Sample is one process measurement.
type Sample struct {
	Timestamp time.Time
	Phase     Phase
	Step      int          // Recipe step index
	Setpoint  float64      // Programmed current (A)
	Current   float64      // Output current readback (A)
	Voltage   float64      // Output voltage readback (V)
	Pressure  float64      // mbar
	Status    gauge.Status // Gauge status of Pressure
}

// Power returns the heater power in watts.
func (s Sample) Power() float64 {
	return s.Current * s.Voltage
}

// Resistance returns the load resistance, or 0 without current.
func (s Sample) Resistance() float64 {
	if s.Current <= 0 {
		return 0
	}
	return s.Voltage / s.Current
}

// Stage transforms a sample stream. Stages close their output when the
// input is closed.
type Stage func(in <-chan Sample) <-chan Sample

// Chain connects stages in order.
func Chain(in <-chan Sample, stages ...Stage) <-chan Sample {
	out := in
	for _, stage := range stages {
		if stage != nil {
			out = stage(out)
		}
	}
	return out
}

// Tee copies every sample of in to n output channels. A slow consumer
// blocks the others.
func Tee(in <-chan Sample, n, bufSize int) []<-chan Sample {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	outs := make([]chan Sample, n)
	result := make([]<-chan Sample, n)
	for i := range outs {
		outs[i] = make(chan Sample, bufSize)
		result[i] = outs[i]
	}

	go func() {
		defer func() {
			for _, out := range outs {
				close(out)
			}
		}()
		for s := range in {
			for _, out := range outs {
				out <- s
			}
		}
	}()

	return result
}
