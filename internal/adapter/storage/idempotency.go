package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// IdempotencyRepository keeps the first response sent for each key.
type IdempotencyRepository struct {
	db *pgxpool.Pool
}

func NewIdempotencyRepository(db *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func (r *IdempotencyRepository) LookupReply(ctx context.Context, key string) (domain.StoredReply, bool, error) {
	var reply domain.StoredReply
	err := r.db.QueryRow(ctx,
		"SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key_id = $1",
		key).Scan(&reply.Status, &reply.Body, &reply.RequestHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredReply{}, false, nil
	}
	if err != nil {
		return domain.StoredReply{}, false, err
	}
	return reply, true, nil
}

// SaveReply keeps the first reply; later saves for the same key are ignored.
func (r *IdempotencyRepository) SaveReply(ctx context.Context, key string, reply domain.StoredReply) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key_id, response_status, response_body, request_hash) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
		key, reply.Status, reply.Body, reply.RequestHash)
	return err
}
