package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

// markFailedTimeout bounds the failure bookkeeping, which runs even when the
// request context is already done.
const markFailedTimeout = 5 * time.Second

// inUnit runs fn inside its own persistence unit and commits it. Any error
// from fn rolls the unit back and releases its locks.
func (s *Service) inUnit(ctx context.Context, fn func(u Unit) error) error {
	u, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit: %w", err)
	}
	defer u.Rollback(ctx)

	if err := fn(u); err != nil {
		return err
	}
	if err := u.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit: %w", err)
	}
	return nil
}

// initTransaction is stage 1: a PENDING header that survives whatever happens next.
func (s *Service) initTransaction(ctx context.Context, kind domain.TransactionType, amount decimal.Decimal, toID, fromID *int64) (*domain.Transaction, error) {
	var tx *domain.Transaction

	err := s.inUnit(ctx, func(u Unit) error {
		now := s.now()
		tx = &domain.Transaction{
			ReferenceNumber: s.refs.Next(kind),
			Type:            kind,
			Amount:          amount,
			Status:          domain.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		var err error
		if tx.ToAccountID, err = resolveAccount(ctx, u, toID); err != nil {
			return err
		}
		if tx.FromAccountID, err = resolveAccount(ctx, u, fromID); err != nil {
			return err
		}
		return u.InsertTransaction(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("init %s transaction: %w", kind, err)
	}

	s.logger.Debug("Transaction initialized", "reference", tx.ReferenceNumber, "type", kind, "tx_id", tx.ID)
	return tx, nil
}

// resolveAccount keeps the reference only when the account exists. A missing
// account is reported by stage 2, after which the header is marked FAILED.
func resolveAccount(ctx context.Context, u Unit, id *int64) (*int64, error) {
	if id == nil {
		return nil, nil
	}
	account, err := u.FindAccount(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref := account.ID
	return &ref, nil
}

// finalize is stage 3. The header must exist; if it does not, storage lost
// a committed row and that is not something the caller can fix.
func (s *Service) finalize(ctx context.Context, txID int64, status domain.TransactionStatus) (*domain.TransactionResponse, error) {
	var resp *domain.TransactionResponse

	err := s.inUnit(ctx, func(u Unit) error {
		tx, err := u.FindTransaction(ctx, txID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Integrity(fmt.Sprintf("transaction %d lost before finalize", txID))
		}
		if err != nil {
			return err
		}
		if err := tx.Transition(status, s.now()); err != nil {
			return err
		}
		if err := u.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		resp, err = respond(ctx, u, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finalize transaction %d: %w", txID, err)
	}
	return resp, nil
}

// markFailed is best effort: it never returns an error and never masks the
// failure that triggered it.
func (s *Service) markFailed(ctx context.Context, txID int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()

	var resp *domain.TransactionResponse

	err := s.inUnit(ctx, func(u Unit) error {
		tx, err := u.FindTransaction(ctx, txID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if tx.Status.Terminal() {
			return nil
		}
		tx.FailureReason = cause.Error()
		if err := tx.Transition(domain.StatusFailed, s.now()); err != nil {
			return err
		}
		if err := u.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		resp, err = respond(ctx, u, tx)
		return err
	})
	if err != nil {
		s.logger.Error("Could not mark transaction failed", "tx_id", txID, "error", err, "cause", cause)
		return
	}
	if resp != nil {
		s.publish(ctx, *resp)
	}
}

// recordFee books the fee as its own COMPLETED transaction debiting payer.
// The debit has no matching credit in the payer's ledger: it is revenue.
func (s *Service) recordFee(ctx context.Context, u Unit, payer *domain.Account, fee decimal.Decimal) error {
	if !fee.IsPositive() {
		return nil
	}

	now := s.now()
	payerID := payer.ID
	feeTx := &domain.Transaction{
		ReferenceNumber: s.refs.Next(domain.TypeFee),
		Type:            domain.TypeFee,
		Amount:          fee,
		Status:          domain.StatusCompleted,
		FromAccountID:   &payerID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := u.InsertTransaction(ctx, feeTx); err != nil {
		return fmt.Errorf("record fee: %w", err)
	}
	return s.writeEntry(ctx, u, feeTx.ID, fee.Neg(), payer, domain.EntryDebit)
}

// writeEntry appends one ledger line. Callers validate before getting here.
func (s *Service) writeEntry(ctx context.Context, u Unit, txID int64, amount decimal.Decimal, account *domain.Account, kind domain.EntryType) error {
	entry := &domain.LedgerEntry{
		AccountID:     account.ID,
		TransactionID: txID,
		Amount:        amount,
		EntryType:     kind,
		CreatedAt:     s.now(),
	}
	if err := u.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("write %s entry: %w", kind, err)
	}
	return nil
}

func respond(ctx context.Context, u Unit, tx *domain.Transaction) (*domain.TransactionResponse, error) {
	resp := &domain.TransactionResponse{
		ReferenceNumber: tx.ReferenceNumber,
		Amount:          tx.Amount,
		Status:          tx.Status,
		Type:            tx.Type,
		Timestamp:       tx.CreatedAt,
	}

	var err error
	if resp.FromAccountIBAN, err = ibanOf(ctx, u, tx.FromAccountID); err != nil {
		return nil, err
	}
	if resp.ToAccountIBAN, err = ibanOf(ctx, u, tx.ToAccountID); err != nil {
		return nil, err
	}
	return resp, nil
}

func ibanOf(ctx context.Context, u Unit, id *int64) (string, error) {
	if id == nil {
		return "", nil
	}
	account, err := u.FindAccount(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.IBAN, nil
}

func (s *Service) publish(ctx context.Context, resp domain.TransactionResponse) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.TransactionSettled(ctx, resp); err != nil {
		s.logger.Warn("Transaction event not queued",
			slog.String("reference", resp.ReferenceNumber),
			slog.String("status", string(resp.Status)),
			slog.Any("error", err),
		)
	}
}
