// Package ledger is the transaction engine. Each operation runs three
// independently committed stages:
//
//  1. a PENDING transaction header,
//  2. the locked balance mutation with its ledger entries and fee,
//  3. the COMPLETED status, or FAILED when stage 2 returned an error.
//
// A crash between stages leaves an inspectable PENDING or FAILED header and
// never a half-applied balance change.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/policy"
)

type Service struct {
	store    Store
	refs     ReferenceGenerator
	policy   policy.Policy
	locks    *LockManager
	limiter  RateLimiter
	owners   OwnerDirectory
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithRateLimiter(l RateLimiter) Option { return func(s *Service) { s.limiter = l } }

func WithOwnerDirectory(d OwnerDirectory) Option { return func(s *Service) { s.owners = d } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.locks = NewLockManager(d) }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, refs ReferenceGenerator, pol policy.Policy, opts ...Option) *Service {
	s := &Service{
		store:   store,
		refs:    refs,
		policy:  pol,
		locks:   NewLockManager(DefaultLockTimeout),
		limiter: NoLimit{},
		owners:  AccountOwners{},
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposit credits accountID with amount minus the fee. Deposits come from
// cash channels, so the caller does not have to own the account.
func (s *Service) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal, callerID int64) (*domain.TransactionResponse, error) {
	s.logger.Info("Request: DEPOSIT", "account_id", accountID, "amount", amount.String(), "caller_id", callerID)

	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.limiter.Check(ctx, callerID); err != nil {
		return nil, err
	}

	return s.run(ctx, domain.TypeDeposit, amount, &accountID, nil, func(ctx context.Context, txID int64) error {
		return s.processDeposit(ctx, txID, accountID, amount)
	})
}

// Withdraw debits amount plus fee from an account owned by callerID.
func (s *Service) Withdraw(ctx context.Context, callerID, accountID int64, amount decimal.Decimal) (*domain.TransactionResponse, error) {
	s.logger.Info("Request: WITHDRAWAL", "account_id", accountID, "amount", amount.String(), "caller_id", callerID)

	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.limiter.Check(ctx, callerID); err != nil {
		return nil, err
	}

	return s.run(ctx, domain.TypeWithdrawal, amount, nil, &accountID, func(ctx context.Context, txID int64) error {
		return s.processWithdrawal(ctx, txID, callerID, accountID, amount)
	})
}

// Transfer moves amount from fromID to toID; the fee is charged to fromID.
func (s *Service) Transfer(ctx context.Context, fromID, ownerID, toID int64, amount decimal.Decimal) (*domain.TransactionResponse, error) {
	s.logger.Info("Request: TRANSFER", "from_id", fromID, "to_id", toID, "amount", amount.String(), "caller_id", ownerID)

	if fromID == toID {
		return nil, domain.InvalidRequest("cannot transfer to the same account")
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := s.limiter.Check(ctx, ownerID); err != nil {
		return nil, err
	}

	return s.run(ctx, domain.TypeTransfer, amount, &toID, &fromID, func(ctx context.Context, txID int64) error {
		return s.processTransfer(ctx, txID, ownerID, fromID, toID, amount)
	})
}

// run sequences the three stages. A stage-2 error is returned unchanged after
// the header has been marked FAILED.
func (s *Service) run(ctx context.Context, kind domain.TransactionType, amount decimal.Decimal, toID, fromID *int64, process func(context.Context, int64) error) (*domain.TransactionResponse, error) {
	tx, err := s.initTransaction(ctx, kind, amount, toID, fromID)
	if err != nil {
		return nil, err
	}

	if err := process(ctx, tx.ID); err != nil {
		s.logger.Error(string(kind)+" failed", "reference", tx.ReferenceNumber, "error", err)
		s.markFailed(ctx, tx.ID, err)
		return nil, err
	}

	resp, err := s.finalize(ctx, tx.ID, domain.StatusCompleted)
	if err != nil {
		// Stage 2 is committed; the reconciler completes the header later.
		s.logger.Error("Transaction applied but not finalized", "reference", tx.ReferenceNumber, "error", err)
		return nil, err
	}

	s.logger.Info("Transaction completed", "reference", resp.ReferenceNumber, "type", kind)
	s.publish(ctx, *resp)
	return resp, nil
}

func (s *Service) processDeposit(ctx context.Context, txID, accountID int64, amount decimal.Decimal) error {
	return s.inUnit(ctx, func(u Unit) error {
		account, err := s.locks.LockOne(ctx, u, accountID)
		if err != nil {
			return err
		}
		if err := requireActive(account); err != nil {
			return err
		}
		if err := s.policy.Limits.Check(account.Currency, amount); err != nil {
			return err
		}

		// The payer covers the fee out of the deposit itself.
		fee := s.policy.Fees.ComputeFee(amount)
		net := amount.Sub(fee)

		funds, err := account.Funds().Add(domain.NewMoney(net, account.Currency))
		if err != nil {
			return err
		}
		if err := s.saveBalance(ctx, u, account, funds); err != nil {
			return err
		}
		if err := s.recordFee(ctx, u, account, fee); err != nil {
			return err
		}
		return s.writeEntry(ctx, u, txID, net, account, domain.EntryCredit)
	})
}

func (s *Service) processWithdrawal(ctx context.Context, txID, callerID, accountID int64, amount decimal.Decimal) error {
	return s.inUnit(ctx, func(u Unit) error {
		account, err := s.locks.LockOne(ctx, u, accountID)
		if err != nil {
			return err
		}
		// Ownership is read from the locked row, never from an earlier snapshot.
		if err := s.requireOwner(ctx, account, callerID); err != nil {
			return err
		}
		if err := requireActive(account); err != nil {
			return err
		}
		if err := s.policy.Limits.Check(account.Currency, amount); err != nil {
			return err
		}

		fee := s.policy.Fees.ComputeFee(amount)
		total := domain.NewMoney(amount.Add(fee), account.Currency)

		funds, err := account.Funds().Subtract(total)
		if err != nil {
			return insufficient(account, total, err)
		}
		if err := s.saveBalance(ctx, u, account, funds); err != nil {
			return err
		}
		if err := s.recordFee(ctx, u, account, fee); err != nil {
			return err
		}
		return s.writeEntry(ctx, u, txID, amount.Neg(), account, domain.EntryDebit)
	})
}

func (s *Service) processTransfer(ctx context.Context, txID, ownerID, fromID, toID int64, amount decimal.Decimal) error {
	return s.inUnit(ctx, func(u Unit) error {
		from, to, err := s.locks.LockPair(ctx, u, fromID, toID)
		if err != nil {
			return err
		}

		if err := s.requireOwner(ctx, from, ownerID); err != nil {
			return err
		}
		if from.Currency != to.Currency {
			return domain.CurrencyMismatch(fmt.Sprintf("cannot transfer %s to a %s account", from.Currency, to.Currency))
		}
		if err := requireActive(from); err != nil {
			return err
		}
		if err := requireActive(to); err != nil {
			return err
		}

		fee := s.policy.Fees.ComputeFee(amount)
		total := domain.NewMoney(amount.Add(fee), from.Currency)

		debited, err := from.Funds().Subtract(total)
		if err != nil {
			return insufficient(from, total, err)
		}
		credited, err := to.Funds().Add(domain.NewMoney(amount, to.Currency))
		if err != nil {
			return err
		}

		if err := s.saveBalance(ctx, u, from, debited); err != nil {
			return err
		}
		if err := s.saveBalance(ctx, u, to, credited); err != nil {
			return err
		}
		if err := s.recordFee(ctx, u, from, fee); err != nil {
			return err
		}
		if err := s.writeEntry(ctx, u, txID, amount.Neg(), from, domain.EntryDebit); err != nil {
			return err
		}
		return s.writeEntry(ctx, u, txID, amount, to, domain.EntryCredit)
	})
}

func (s *Service) saveBalance(ctx context.Context, u Unit, account *domain.Account, funds domain.Money) error {
	account.Balance = funds.Amount
	account.UpdatedAt = s.now()
	if err := u.SaveAccount(ctx, account); err != nil {
		return fmt.Errorf("save account %d: %w", account.ID, err)
	}
	return nil
}

func (s *Service) requireOwner(ctx context.Context, account *domain.Account, callerID int64) error {
	owner, err := s.owners.OwnerOf(ctx, account)
	if err != nil {
		return fmt.Errorf("resolve owner of account %d: %w", account.ID, err)
	}
	if owner != callerID {
		return domain.Forbidden("access denied")
	}
	return nil
}

func requireActive(account *domain.Account) error {
	if account.Status != domain.AccountActive {
		return domain.Forbidden(fmt.Sprintf("account %s is not active", account.IBAN))
	}
	return nil
}

func insufficient(account *domain.Account, due domain.Money, err error) error {
	if domain.CodeOf(err) == domain.CodeInsufficientFunds {
		return domain.InsufficientFunds(fmt.Sprintf("insufficient funds: balance %s, required %s",
			account.Funds(), due))
	}
	return err
}
