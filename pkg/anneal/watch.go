package anneal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/psu"
	"github.com/itohio/goanneal/pkg/sample"
)

// Readback is the read side of the supply.
type Readback interface {
	Read() (psu.Readback, error)
}

// Watch samples the supply and the gauge every interval without driving
// anything. supply may be nil. Failed reads are logged and skipped. The
// channel is closed when ctx is done.
func Watch(ctx context.Context, supply Readback, g gauge.Gauge, interval time.Duration, logger *zap.Logger) <-chan sample.Sample {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(chan sample.Sample, sample.DefaultBufferSize)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			s := sample.Sample{Timestamp: time.Now(), Phase: sample.PhaseIdle}
			if supply != nil {
				rb, err := supply.Read()
				if err != nil {
					logger.Warn("failed to read supply", zap.Error(err))
					continue
				}
				s.Current, s.Voltage = rb.Current, rb.Voltage
			}
			reading, err := g.Pressure(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to read pressure", zap.Error(err))
				}
				continue
			}
			s.Pressure = reading.Mbar()
			s.Status = reading.Status

			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
