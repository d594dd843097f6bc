package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ibrahimkeyboad/gopay/internal/core/notifications"
)

// JobQueue is the worker's view of the webhook outbox.
type JobQueue interface {
	ClaimDue(ctx context.Context, lease time.Duration) (*notifications.Job, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error
}

type Deliverer interface {
	Send(ctx context.Context, job notifications.Job) error
}

const (
	defaultPollInterval = 5 * time.Second
	defaultLease        = time.Minute
	defaultMaxAttempts  = 5
)

// WebhookWorker drains the outbox. Several workers may share one queue;
// ClaimDue hands every job to a single one.
type WebhookWorker struct {
	queue       JobQueue
	sender      Deliverer
	logger      *slog.Logger
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewWebhookWorker(queue JobQueue, sender Deliverer, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		queue:       queue,
		sender:      sender,
		logger:      logger,
		interval:    defaultPollInterval,
		lease:       defaultLease,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// Run polls until ctx is done.
func (w *WebhookWorker) Run(ctx context.Context) {
	w.logger.Info("👷 Webhook Worker started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Webhook Worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *WebhookWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.processNext(ctx)
		if err != nil {
			w.logger.Error("Worker: queue error", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// processNext delivers at most one job and reports whether it found one.
func (w *WebhookWorker) processNext(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimDue(ctx, w.lease)
	if err != nil || job == nil {
		return false, err
	}

	w.logger.Info("Worker: Processing job", "url", job.URL, "job_id", job.ID)

	sendErr := w.sender.Send(ctx, *job)
	if sendErr == nil {
		w.logger.Info("✅ Worker: Webhook Sent Successfully!", "job_id", job.ID)
		return true, w.queue.MarkSent(ctx, job.ID)
	}

	// An open circuit refused the job without trying; it keeps its attempts.
	attempts := job.Attempts
	if !notifications.IsCircuitOpen(sendErr) {
		attempts++
	}

	if attempts >= w.maxAttempts {
		w.logger.Error("Worker: Job marked as FAILED (Max attempts reached)", "job_id", job.ID, "error", sendErr)
		return true, w.queue.MarkFailed(ctx, job.ID, sendErr.Error())
	}

	nextRun := w.now().Add(backoff(attempts))
	w.logger.Warn("Worker: Webhook failed, scheduled retry",
		"job_id", job.ID, "attempts", attempts, "next_run", nextRun, "error", sendErr)
	return true, w.queue.Reschedule(ctx, job.ID, attempts, nextRun, sendErr.Error())
}

func backoff(attempts int) time.Duration {
	return time.Duration(attempts*10+10) * time.Second
}
