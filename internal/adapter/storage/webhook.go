package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ibrahimkeyboad/gopay/internal/core/notifications"
)

// WebhookRepository is the webhook_jobs outbox.
type WebhookRepository struct {
	db *pgxpool.Pool
}

func NewWebhookRepository(db *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Enqueue(ctx context.Context, job notifications.Job) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_jobs (id, url, payload) VALUES ($1, $2, $3)`,
		job.ID, job.URL, job.Payload)
	return err
}

// ClaimDue leases the oldest due job. A PROCESSING job whose lease ran out
// (the worker died) is due again. Returns nil when nothing is due.
func (r *WebhookRepository) ClaimDue(ctx context.Context, lease time.Duration) (*notifications.Job, error) {
	query := `
		UPDATE webhook_jobs
		SET status = 'PROCESSING', next_run_at = NOW() + $1::interval
		WHERE id = (
			SELECT id FROM webhook_jobs
			WHERE status IN ('PENDING', 'PROCESSING') AND next_run_at <= NOW()
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, url, payload, attempts
	`

	var job notifications.Job
	err := r.db.QueryRow(ctx, query, lease).Scan(&job.ID, &job.URL, &job.Payload, &job.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *WebhookRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE webhook_jobs SET status = 'COMPLETED' WHERE id = $1`, id)
	return err
}

func (r *WebhookRepository) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_jobs SET status = 'PENDING', attempts = $2, next_run_at = $3, last_error = $4 WHERE id = $1`,
		id, attempts, next, lastErr)
	return err
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_jobs SET status = 'FAILED', last_error = $2 WHERE id = $1`, id, lastErr)
	return err
}
