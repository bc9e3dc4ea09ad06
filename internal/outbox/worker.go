package outbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/metrics"
)

// Worker polls the outbox table and publishes pending rows to the bus.
// Retry policy is batch-level: a failed publish releases the row back to
// pending until retry_count reaches the limit, then marks it failed.
type Worker struct {
	repo Repository
	bus  bus.Bus
	cfg  config.Outbox
	log  logging.Logger

	stop chan struct{}
}

// NewWorker wires a worker from its collaborators. Zero config fields fall
// back to the documented defaults, except RetainTerminal: zero disables
// pruning of terminal rows.
func NewWorker(repo Repository, b bus.Bus, cfg config.Outbox) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 5 * time.Minute
	}
	return &Worker{
		repo: repo,
		bus:  b,
		cfg:  cfg,
		log:  logging.Default(),
		stop: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info(ctx, "outbox worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval.String(),
		"max_retries", w.cfg.MaxRetries)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "outbox worker stopping", "reason", ctx.Err())
			return
		case <-w.stop:
			w.log.Info(ctx, "outbox worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx, &lastPrune)
		}
	}
}

// Stop ends the poll loop.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Worker) tick(ctx context.Context, lastPrune *time.Time) {
	if reclaimed, err := w.repo.ReclaimStale(ctx, w.cfg.ReclaimAfter); err != nil {
		w.log.Warn(ctx, "outbox reclaim failed", "error", err)
	} else if reclaimed > 0 {
		w.log.Info(ctx, "reclaimed stale outbox rows", "count", reclaimed)
	}

	if w.cfg.RetainTerminal > 0 && time.Since(*lastPrune) > time.Hour {
		*lastPrune = time.Now()
		horizon := time.Now().Add(-w.cfg.RetainTerminal)
		if pruned, err := w.repo.DeleteTerminalBefore(ctx, horizon); err != nil {
			w.log.Warn(ctx, "outbox prune failed", "error", err)
		} else if pruned > 0 {
			w.log.Info(ctx, "pruned terminal outbox rows", "count", pruned)
		}
	}

	w.processBatch(ctx)
}

// processBatch claims and publishes one batch. Any single-row error is
// recorded on that row; the worker always continues.
func (w *Worker) processBatch(ctx context.Context) {
	tracer := otel.Tracer("cmp/outbox")
	ctx, span := tracer.Start(ctx, "outbox.processBatch")
	defer span.End()

	claimed, err := w.repo.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim pending")
		w.log.Error(ctx, "outbox claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(claimed)))

	for _, row := range claimed {
		if err := w.publishRow(ctx, row); err != nil {
			w.log.Warn(ctx, "outbox publish failed",
				"outbox_id", row.ID,
				"topic", row.Topic,
				"retry_count", row.RetryCount,
				"error", err)
			w.settleFailure(ctx, row, err)
			// Avoid a tight loop when the bus is down.
			select {
			case <-time.After(w.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := w.repo.MarkPublished(ctx, row.ID); err != nil {
			w.log.Error(ctx, "outbox mark published failed", "outbox_id", row.ID, "error", err)
			continue
		}
		metrics.OutboxPublishedTotal.Inc()
	}
}

func (w *Worker) publishRow(ctx context.Context, row *OutboxEvent) error {
	ev := event.New(row.Topic, row.Data)
	if row.WorkspaceID != nil {
		ev.WorkspaceID = *row.WorkspaceID
	}
	return w.bus.Publish(ctx, ev)
}

// settleFailure applies the batch-level retry policy: release the row while
// retries remain, otherwise mark it failed with the last error.
func (w *Worker) settleFailure(ctx context.Context, row *OutboxEvent, pubErr error) {
	if row.RetryCount+1 >= w.cfg.MaxRetries {
		if err := w.repo.MarkFailed(ctx, row.ID, pubErr.Error()); err != nil {
			w.log.Error(ctx, "outbox mark failed errored", "outbox_id", row.ID, "error", err)
			return
		}
		metrics.OutboxFailedTotal.Inc()
		w.log.Error(ctx, "outbox row terminally failed",
			"outbox_id", row.ID,
			"topic", row.Topic,
			"retry_count", row.RetryCount+1)
		return
	}
	if err := w.repo.Release(ctx, row.ID, pubErr.Error()); err != nil {
		w.log.Error(ctx, "outbox release errored", "outbox_id", row.ID, "error", err)
	}
}
