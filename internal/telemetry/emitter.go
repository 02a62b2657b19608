package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// sinkTimeout bounds a single sink write.
const sinkTimeout = 5 * time.Second

// Sink persists metric records.
type Sink interface {
	AppendMetric(ctx context.Context, rec model.MetricRecord) error
}

// Emitter accepts metric records without blocking the caller and hands them
// to a single background writer.
type Emitter struct {
	sink   Sink
	ring   *Ring
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.MetricRecord
	done   chan struct{}
}

// NewEmitter starts an emitter whose queue and ring buffer hold up to
// bufferSize records.
func NewEmitter(sink Sink, bufferSize int, logger *slog.Logger) *Emitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	e := &Emitter{
		sink:   sink,
		ring:   NewRing(bufferSize),
		logger: logger,
		queue:  make(chan model.MetricRecord, bufferSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit records rec. It never blocks and never fails: when the queue is full
// or the emitter is closed the record is dropped from persistence but still
// counted and cached.
func (e *Emitter) Emit(rec model.MetricRecord) {
	if rec.Backend == "" {
		rec.Backend = model.BackendUnknown
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	executionsTotal.WithLabelValues(string(rec.Backend), outcome(rec)).Inc()
	executionDuration.WithLabelValues(string(rec.Backend)).Observe(rec.Duration)
	e.ring.Add(rec)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		droppedTotal.Inc()
		e.logger.Warn("metric emitted after close", "function_id", rec.FunctionID)
		return
	}
	select {
	case e.queue <- rec:
	default:
		droppedTotal.Inc()
		e.logger.Warn("metric queue full, dropping record", "function_id", rec.FunctionID)
	}
}

// Recent returns buffered records, newest first.
func (e *Emitter) Recent(functionID int64, limit int) []model.MetricRecord {
	return e.ring.Recent(functionID, limit)
}

// Close stops accepting records and waits for queued ones to reach the sink.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for rec := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := e.sink.AppendMetric(ctx, rec)
		cancel()
		if err != nil {
			sinkErrorsTotal.Inc()
			e.logger.Error("failed to persist metric",
				"function_id", rec.FunctionID,
				"backend", rec.Backend,
				"error", err,
			)
		}
	}
}

func outcome(rec model.MetricRecord) string {
	switch {
	case rec.Success:
		return outcomeSuccess
	case rec.TimedOut:
		return outcomeTimeout
	default:
		return outcomeError
	}
}
