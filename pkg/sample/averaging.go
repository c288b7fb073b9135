package sample

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// OutputInterval is the rate at which the averaging stage emits samples.
const OutputInterval = 100 * time.Millisecond

// NewAveragingStage creates a stage that averages the last windowSize
// samples and emits the average every OutputInterval. Pressure is averaged
// in log space.
func NewAveragingStage(windowSize, bufSize int, logger *zap.Logger) Stage {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			var buffer []Sample
			fresh := false
			ticker := time.NewTicker(OutputInterval)
			defer ticker.Stop()

			for {
				select {
				case s, ok := <-in:
					if !ok {
						// Input closed, flush what is left
						if fresh {
							select {
							case out <- Average(buffer):
							default:
							}
						}
						return
					}

					buffer = append(buffer, s)
					if len(buffer) > windowSize {
						buffer = buffer[1:] // Remove oldest
					}
					fresh = true

				case <-ticker.C:
					if !fresh {
						continue
					}
					select {
					case out <- Average(buffer):
						fresh = false
					default:
						logger.Warn("averaging stage output channel full")
					}
				}
			}
		}()

		return out
	}
}

// Average averages a slice of samples. Timestamp, phase, step, setpoint
// and gauge status are taken from the most recent sample.
func Average(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	last := samples[len(samples)-1]
	var sumCurrent, sumVoltage, sumLogP float64
	var nP int
	for _, s := range samples {
		sumCurrent += s.Current
		sumVoltage += s.Voltage
		if s.Pressure > 0 {
			sumLogP += math.Log10(s.Pressure)
			nP++
		}
	}

	n := float64(len(samples))
	avg := last
	avg.Current = sumCurrent / n
	avg.Voltage = sumVoltage / n
	if nP > 0 {
		avg.Pressure = math.Pow(10, sumLogP/float64(nP))
	}
	return avg
}
