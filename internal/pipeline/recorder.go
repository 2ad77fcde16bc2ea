package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/metrics"
)

// Sink receives batches of executions after the books are released.
type Sink interface {
	Name() string
	Record(ctx context.Context, batch []domain.Execution) error
}

// Recorder batches executions from the fan-out and hands each batch to
// every sink in turn. Sink failures are logged and counted; they never
// reach the matching path.
type Recorder struct {
	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
	sinkTimeout   time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewRecorder creates a recorder writing to sinks.
func NewRecorder(sinks []Sink, batchSize int, flushInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Recorder{
		sinks:         sinks,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		sinkTimeout:   10 * time.Second,
		metrics:       m,
		logger:        logger.With(slog.String("component", "recorder")),
	}
}

// Run consumes in until it is closed, flushing on size or interval. The
// final partial batch is flushed even when ctx is already cancelled.
func (r *Recorder) Run(ctx context.Context, in <-chan domain.Execution) error {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	r.logger.Info("pipeline: recorder starting",
		slog.Any("sinks", names),
		slog.Int("batch_size", r.batchSize),
	)

	flushCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.Execution, 0, r.batchSize)
	for {
		select {
		case exec, ok := <-in:
			if !ok {
				r.flush(flushCtx, batch)
				r.logger.Info("pipeline: recorder stopped")
				return nil
			}
			batch = append(batch, exec)
			if len(batch) >= r.batchSize {
				r.flush(flushCtx, batch)
				batch = make([]domain.Execution, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(flushCtx, batch)
				batch = make([]domain.Execution, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []domain.Execution) {
	if len(batch) == 0 {
		return
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
		err := s.Record(sctx, batch)
		cancel()
		if err != nil {
			r.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			r.logger.Error("pipeline: sink failed",
				slog.String("sink", s.Name()),
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}
