package record

import (
	"go.uber.org/zap"

	"github.com/itohio/goanneal/pkg/sample"
)

// MaxBatch limits the number of samples written in one transaction.
const MaxBatch = 64

// Recorder writes a sample stream into a Store.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Consume stores every sample of ch under runID until ch is closed.
// Samples already waiting in the channel are written together. Write
// errors are logged and the channel is drained anyway so the producer
// never blocks; the first error is returned.
func (r *Recorder) Consume(runID int64, ch <-chan sample.Sample) error {
	var (
		firstErr error
		written  int
		batch    = make([]sample.Sample, 0, MaxBatch)
	)

	for s := range ch {
		batch = append(batch[:0], s)
	fill:
		for len(batch) < MaxBatch {
			select {
			case next, ok := <-ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		if firstErr != nil {
			continue
		}
		if err := r.store.AppendBatch(runID, batch); err != nil {
			r.logger.Error("failed to record samples", zap.Int64("run", runID), zap.Error(err))
			firstErr = err
			continue
		}
		written += len(batch)
	}

	r.logger.Debug("recording finished", zap.Int64("run", runID), zap.Int("samples", written))
	return firstErr
}
