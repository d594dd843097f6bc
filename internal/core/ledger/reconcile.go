package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned   int
	Completed int
	Failed    int
}

// errAbandoned is recorded as the failure reason of headers that never got
// past stage 1.
var errAbandoned = errors.New("abandoned before any ledger mutation")

// ReconcileStale settles PENDING headers older than olderThan. Ledger entries
// are the source of truth: a header with entries was mutated and only missed
// stage 3, so it becomes COMPLETED; a header without entries becomes FAILED.
//
// olderThan must be well above the lock timeout so in-flight stages are not
// touched.
func (s *Service) ReconcileStale(ctx context.Context, olderThan time.Duration, batch int) (ReconcileReport, error) {
	var report ReconcileReport

	stale, err := s.store.StalePending(ctx, s.now().Add(-olderThan), batch)
	if err != nil {
		return report, fmt.Errorf("load stale transactions: %w", err)
	}

	for _, tx := range stale {
		report.Scanned++

		entries, err := s.store.CountEntries(ctx, tx.ID)
		if err != nil {
			return report, fmt.Errorf("count entries of %s: %w", tx.ReferenceNumber, err)
		}

		if entries == 0 {
			s.markFailed(ctx, tx.ID, errAbandoned)
			report.Failed++
			continue
		}

		resp, err := s.finalize(ctx, tx.ID, domain.StatusCompleted)
		if err != nil {
			// Another process settled it in the meantime.
			if errors.Is(err, domain.ErrIntegrity) {
				continue
			}
			return report, err
		}
		s.publish(ctx, *resp)
		report.Completed++
	}

	if report.Scanned > 0 {
		s.logger.Info("Reconciled stale transactions",
			"scanned", report.Scanned, "completed", report.Completed, "failed", report.Failed)
	}
	return report, nil
}
