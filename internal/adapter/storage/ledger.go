package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/ledger"
)

const (
	pgLockNotAvailable    = "55P03"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgForeignKeyViolation = "23503"
)

const (
	accountColumns     = `id, iban, owner_id, balance, currency, status, created_at, updated_at`
	transactionColumns = `id, reference_number, type, amount, status, from_account_id, to_account_id, failure_reason, created_at, updated_at`
)

// LedgerRepository is the Postgres ledger.Store. Each unit is one pgx
// transaction and account locks are row locks taken with FOR UPDATE.
type LedgerRepository struct {
	db *pgxpool.Pool
}

func NewLedgerRepository(db *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ ledger.Store = (*LedgerRepository)(nil)

func (r *LedgerRepository) Begin(ctx context.Context) (ledger.Unit, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgUnit{tx: tx}, nil
}

// History fetches the latest ledger lines of an account, newest first.
func (r *LedgerRepository) History(ctx context.Context, accountID int64, limit int) ([]domain.HistoryItem, error) {
	query := `
		SELECT t.reference_number, t.type, t.status, e.amount, e.entry_type, e.created_at
		FROM ledger_entries e
		JOIN transactions t ON e.transaction_id = t.id
		WHERE e.account_id = $1
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []domain.HistoryItem{}
	for rows.Next() {
		var item domain.HistoryItem
		if err := rows.Scan(&item.ReferenceNumber, &item.Type, &item.Status,
			&item.Amount, &item.EntryType, &item.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, item)
	}
	return history, rows.Err()
}

func (r *LedgerRepository) StalePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *tx)
	}
	return stale, rows.Err()
}

func (r *LedgerRepository) CountEntries(ctx context.Context, transactionID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE transaction_id = $1`, transactionID).Scan(&n)
	return n, err
}

type pgUnit struct {
	tx   pgx.Tx
	done bool
}

func (u *pgUnit) FindAccount(ctx context.Context, id int64) (*domain.Account, error) {
	row := u.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(fmt.Sprintf("account %d not found", id))
	}
	return acc, err
}

// LockAccount takes the row lock. The server-side lock_timeout follows the
// ctx deadline so an abandoned wait does not linger in Postgres.
func (u *pgUnit) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := u.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms)); err != nil {
			return nil, lockFailure(id, err)
		}
	}

	row := u.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(fmt.Sprintf("account %d not found", id))
	}
	if err != nil {
		return nil, lockFailure(id, err)
	}
	return acc, nil
}

func lockFailure(id int64, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return domain.LockTimeout(fmt.Sprintf("account %d is busy", id), err)
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.LockTimeout(fmt.Sprintf("timed out waiting for account %d", id), err)
	}
	return err
}

func (u *pgUnit) SaveAccount(ctx context.Context, account *domain.Account) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2, status = $3, updated_at = $4 WHERE id = $1`,
		account.ID, account.Balance, account.Status, account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return domain.Integrity(fmt.Sprintf("account %d balance would be negative", account.ID))
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return domain.NotFound(fmt.Sprintf("account %d not found", account.ID))
	}
	return nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO transactions (reference_number, type, amount, status, from_account_id, to_account_id, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		tx.ReferenceNumber, tx.Type, tx.Amount, tx.Status, tx.FromAccountID, tx.ToAccountID,
		tx.FailureReason, tx.CreatedAt, tx.UpdatedAt,
	).Scan(&tx.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("reference %s already used: %w", tx.ReferenceNumber, err)
		}
		return err
	}
	return nil
}

func (u *pgUnit) FindTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	row := u.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(fmt.Sprintf("transaction %d not found", id))
	}
	return tx, err
}

func (u *pgUnit) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE transactions SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`,
		tx.ID, tx.Status, tx.FailureReason, tx.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return domain.NotFound(fmt.Sprintf("transaction %d not found", tx.ID))
	}
	return nil
}

func (u *pgUnit) InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	return u.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, transaction_id, amount, entry_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		entry.AccountID, entry.TransactionID, entry.Amount, entry.EntryType, entry.CreatedAt,
	).Scan(&entry.ID)
}

func (u *pgUnit) Commit(ctx context.Context) error {
	u.done = true
	return u.tx.Commit(ctx)
}

func (u *pgUnit) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.IBAN, &acc.OwnerID, &acc.Balance, &acc.Currency,
		&acc.Status, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(&tx.ID, &tx.ReferenceNumber, &tx.Type, &tx.Amount, &tx.Status,
		&tx.FromAccountID, &tx.ToAccountID, &tx.FailureReason, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
