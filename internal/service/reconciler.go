package service

import (
	"context"
	"time"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

type StalledRequeuer interface {
	RequeueStalled(ctx context.Context, stallAfter time.Duration, maxRequeues, limit int, bucket string) ([]int64, error)
}

// Reconciler находит версии, не дошедшие до merge, и запускает для них
// пайплайн заново - не больше maxRequeues раз на версию.
type Reconciler struct {
	store       StalledRequeuer
	dispatcher  EventDispatcher
	bucket      string
	stallAfter  time.Duration
	maxRequeues int
	batch       int
	interval    time.Duration
	log         *logger.Logger
}

func NewReconciler(store StalledRequeuer, dispatcher EventDispatcher, bucket string, cfg config.PipelineConfig, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		dispatcher:  dispatcher,
		bucket:      bucket,
		stallAfter:  cfg.StallAfter,
		maxRequeues: cfg.MaxRequeues,
		batch:       cfg.OutboxBatch,
		interval:    cfg.ReconcileInterval,
		log:         log.With("component", "reconciler"),
	}
}

func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	ids, err := r.store.RequeueStalled(ctx, r.stallAfter, r.maxRequeues, r.batch, r.bucket)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.dispatcher.Dispatch(ctx, id); err != nil {
			r.log.Warn("failed to publish requeued event, relay will retry", "outbox_id", id, "error", err)
		}
	}
	return len(ids), nil
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("reconciliation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Warn("requeued stalled versions", "count", n)
			}
		}
	}
}
