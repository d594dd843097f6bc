package ledger

import (
	"context"
	"time"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// Unit is one independently committed persistence unit. Account locks taken
// through LockAccount are held until Commit or Rollback.
type Unit interface {
	// FindAccount reads an account without locking it.
	FindAccount(ctx context.Context, id int64) (*domain.Account, error)
	// LockAccount blocks until the account row is exclusively held by this unit.
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)
	SaveAccount(ctx context.Context, account *domain.Account) error

	// InsertTransaction assigns ID and timestamps.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error

	InsertEntry(ctx context.Context, entry *domain.LedgerEntry) error

	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// Store opens units and serves the read side.
type Store interface {
	Begin(ctx context.Context) (Unit, error)

	History(ctx context.Context, accountID int64, limit int) ([]domain.HistoryItem, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error)
	CountEntries(ctx context.Context, transactionID int64) (int, error)
}

// RateLimiter gates call frequency per client. A rejection is a RATE_LIMITED error.
type RateLimiter interface {
	Check(ctx context.Context, clientID int64) error
}

// OwnerDirectory resolves the client allowed to debit an account.
type OwnerDirectory interface {
	OwnerOf(ctx context.Context, account *domain.Account) (int64, error)
}

// ReferenceGenerator hands out globally unique, human-presentable references.
type ReferenceGenerator interface {
	Next(kind domain.TransactionType) string
}

// Notifier is told about every transaction that reached a terminal status.
type Notifier interface {
	TransactionSettled(ctx context.Context, resp domain.TransactionResponse) error
}

// AccountOwners reads the owner straight off the account row.
type AccountOwners struct{}

func (AccountOwners) OwnerOf(_ context.Context, account *domain.Account) (int64, error) {
	return account.OwnerID, nil
}

// NoLimit lets every call through.
type NoLimit struct{}

func (NoLimit) Check(context.Context, int64) error { return nil }
