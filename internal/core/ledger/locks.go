package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// DefaultLockTimeout bounds how long a stage waits for account rows.
const DefaultLockTimeout = 5 * time.Second

// LockManager acquires exclusive access to account rows inside a Unit.
//
// Every caller that needs two accounts goes through LockPair, which always
// locks the lower id first. With one global order no two units can each hold
// the row the other is waiting for.
type LockManager struct {
	timeout time.Duration
}

func NewLockManager(timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{timeout: timeout}
}

// LockOne blocks until accountID is held by unit.
func (m *LockManager) LockOne(ctx context.Context, unit Unit, accountID int64) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	account, err := unit.LockAccount(ctx, accountID)
	if err != nil {
		return nil, lockError(accountID, err)
	}
	return account, nil
}

// LockPair locks a and b in ascending id order and returns them in argument
// order. If either is missing nothing is usable and the caller must roll the
// unit back, which releases whatever was already taken.
func (m *LockManager) LockPair(ctx context.Context, unit Unit, a, b int64) (*domain.Account, *domain.Account, error) {
	if a == b {
		return nil, nil, domain.InvalidRequest("cannot lock the same account twice")
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	lo, err := unit.LockAccount(ctx, first)
	if err != nil {
		return nil, nil, lockError(first, err)
	}
	hi, err := unit.LockAccount(ctx, second)
	if err != nil {
		return nil, nil, lockError(second, err)
	}

	if lo.ID == a {
		return lo, hi, nil
	}
	return hi, lo, nil
}

func lockError(accountID int64, err error) error {
	if domain.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.LockTimeout(fmt.Sprintf("timed out waiting for account %d", accountID), err)
	}
	return fmt.Errorf("lock account %d: %w", accountID, err)
}
