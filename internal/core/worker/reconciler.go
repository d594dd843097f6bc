package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ibrahimkeyboad/gopay/internal/core/ledger"
)

// StaleSettler settles transactions stuck in PENDING.
type StaleSettler interface {
	ReconcileStale(ctx context.Context, olderThan time.Duration, batch int) (ledger.ReconcileReport, error)
}

const reconcileBatch = 100

// Reconciler periodically settles PENDING transactions left behind by a
// crash between stages.
type Reconciler struct {
	engine     StaleSettler
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewReconciler(engine StaleSettler, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		engine:     engine,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started", "interval", r.interval, "stale_after", r.staleAfter)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

// pass keeps going while full batches come back.
func (r *Reconciler) pass(ctx context.Context) {
	for ctx.Err() == nil {
		report, err := r.engine.ReconcileStale(ctx, r.staleAfter, reconcileBatch)
		if err != nil {
			r.logger.Error("Reconcile pass failed", "error", err)
			return
		}
		if report.Scanned < reconcileBatch {
			return
		}
	}
}
