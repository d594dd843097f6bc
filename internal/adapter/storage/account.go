package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// ibanAttempts bounds retries on the (unlikely) IBAN collision.
const ibanAttempts = 5

// AccountRepository is the client and account directory.
type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateClient registers a new account holder.
func (r *AccountRepository) CreateClient(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, domain.InvalidRequest("client name is required")
	}
	var id int64
	err := r.db.QueryRow(ctx, `INSERT INTO clients (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create client: %w", err)
	}
	return id, nil
}

// OpenAccount creates an empty ACTIVE account with a freshly generated IBAN.
func (r *AccountRepository) OpenAccount(ctx context.Context, ownerID int64, country domain.Country, currency domain.Currency) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (iban, owner_id, balance, currency, status)
		VALUES ($1, $2, 0, $3, $4)
		RETURNING ` + accountColumns

	for attempt := 0; attempt < ibanAttempts; attempt++ {
		iban, err := domain.GenerateIBAN(country)
		if err != nil {
			return nil, err
		}

		acc, err := scanAccount(r.db.QueryRow(ctx, query, iban, ownerID, currency, domain.AccountActive))
		if err == nil {
			return acc, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				continue
			case pgForeignKeyViolation:
				return nil, domain.NotFound(fmt.Sprintf("client %d not found", ownerID))
			}
		}
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	return nil, errors.New("could not generate a unique IBAN")
}

// GetAccountByID reads an account outside any engine unit.
func (r *AccountRepository) GetAccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	acc, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(fmt.Sprintf("account %d not found", id))
	}
	return acc, err
}

// SaveAPIKey stores the hashed key for the client.
func (r *AccountRepository) SaveAPIKey(ctx context.Context, clientID int64, keyHash string, keyPrefix string) error {
	query := `INSERT INTO api_keys (client_id, key_hash, key_prefix) VALUES ($1, $2, $3)`

	_, err := r.db.Exec(ctx, query, clientID, keyHash, keyPrefix)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.NotFound(fmt.Sprintf("client %d not found", clientID))
		}
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

// ClientByKeyHash resolves the caller behind an API key.
func (r *AccountRepository) ClientByKeyHash(ctx context.Context, keyHash string) (int64, error) {
	var clientID int64
	err := r.db.QueryRow(ctx, `SELECT client_id FROM api_keys WHERE key_hash = $1`, keyHash).Scan(&clientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return clientID, err
}
