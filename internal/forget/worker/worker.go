// Package worker consumes shard work items. Delivery is at-least-once, so
// Handle is written to be safe under reruns and biased against requeue loops:
// once substantive anonymisation has run, bookkeeping failures are logged
// loudly but never returned as errors.
package worker

import (
	"context"
	"log/slog"

	"oblivion/internal/forget/engine"
	"oblivion/internal/forget/metrics"
	"oblivion/internal/forget/models"
	"oblivion/internal/forget/store/request"
	"oblivion/internal/queue"
	"oblivion/pkg/domain"
)

// Finalizer is asked, after every shard completes, whether the whole request
// is done. Implementations must be safe to call concurrently from workers
// finishing different shards of the same request.
type Finalizer interface {
	CheckAndFinalize(ctx context.Context, id domain.RequestID) error
}

// Worker executes one shard's share of a forget request.
type Worker struct {
	requests  request.Store
	engine    *engine.Engine
	finalizer Finalizer
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func New(requests request.Store, eng *engine.Engine, finalizer Finalizer, opts ...Option) *Worker {
	w := &Worker{
		requests:  requests,
		engine:    eng,
		finalizer: finalizer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Handle processes one work item end to end. A non-nil return means nothing
// substantive happened and the item should be redelivered.
func (w *Worker) Handle(ctx context.Context, item queue.Item) error {
	// Start bookkeeping is advisory. A failed write here must not block the
	// anonymisation itself.
	if err := w.requests.UpdateShardStatus(ctx, item.RequestID, item.ShardID, models.StatusInProgress, ""); err != nil {
		w.logger.Warn("failed to mark shard target in progress",
			"request_id", item.RequestID.String(),
			"shard_id", item.ShardID.String(),
			"error", err)
	}

	report, err := w.engine.Run(ctx, item)
	if err != nil {
		// No work started. Safe and desirable to requeue.
		w.metrics.IncShardJob("requeued")
		return err
	}

	outcome := "clean"
	if !report.Clean() {
		outcome = "partial"
	}
	w.metrics.IncShardJob(outcome)

	// From here on the shard has been mutated. A redelivery would rerun the
	// whole rule list, which is idempotent but wasteful, so tracking-write
	// failures are absorbed and shouted about instead of returned.
	if err := w.requests.UpdateShardStatus(ctx, item.RequestID, item.ShardID, models.StatusFinished, report.Summary()); err != nil {
		w.logger.Error("shard anonymised but completion write failed, manual reconciliation needed",
			"request_id", item.RequestID.String(),
			"shard_id", item.ShardID.String(),
			"summary", report.Summary(),
			"error", err)
		return nil
	}

	if err := w.finalizer.CheckAndFinalize(ctx, item.RequestID); err != nil {
		w.logger.Error("completion check failed after shard finish",
			"request_id", item.RequestID.String(),
			"shard_id", item.ShardID.String(),
			"error", err)
	}
	return nil
}
