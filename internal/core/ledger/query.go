package ledger

import (
	"context"
	"fmt"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// Account returns the account if callerID owns it.
func (s *Service) Account(ctx context.Context, callerID, accountID int64) (*domain.Account, error) {
	u, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	defer u.Rollback(ctx)

	account, err := u.FindAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, account, callerID); err != nil {
		return nil, err
	}
	return account, nil
}

// History lists the latest ledger lines of an account owned by callerID.
func (s *Service) History(ctx context.Context, callerID, accountID int64, limit int) ([]domain.HistoryItem, error) {
	if _, err := s.Account(ctx, callerID, accountID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	items, err := s.store.History(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history of account %d: %w", accountID, err)
	}
	return items, nil
}
