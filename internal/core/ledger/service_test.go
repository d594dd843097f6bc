package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/storage"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/ledger"
	"github.com/ibrahimkeyboad/gopay/internal/core/policy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type seqRefs struct{ n atomic.Int64 }

func (r *seqRefs) Next(kind domain.TransactionType) string {
	return fmt.Sprintf("%s-%d", kind, r.n.Add(1))
}

type rejectAll struct{}

func (rejectAll) Check(context.Context, int64) error { return domain.RateLimited("slow down") }

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.TransactionResponse
}

func (n *recordingNotifier) TransactionSettled(_ context.Context, resp domain.TransactionResponse) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, resp)
	return nil
}

func testPolicy(t *testing.T) policy.Policy {
	t.Helper()

	fees, err := policy.NewFeePolicy(d("3.0"))
	require.NoError(t, err)
	limits, err := policy.NewLimitPolicy(policy.DefaultLimits(), d("1000"))
	require.NoError(t, err)
	return policy.Policy{Fees: fees, Limits: limits}
}

func newEngine(t *testing.T, store ledger.Store, opts ...ledger.Option) *ledger.Service {
	t.Helper()
	return ledger.NewService(store, &seqRefs{}, testPolicy(t), opts...)
}

func seed(store *storage.MemoryStore, owner int64, balance string, currency domain.Currency) domain.Account {
	return store.Seed(domain.Account{
		OwnerID:  owner,
		Balance:  d(balance),
		Currency: currency,
		Status:   domain.AccountActive,
	})
}

func balanceOf(t *testing.T, store *storage.MemoryStore, id int64) decimal.Decimal {
	t.Helper()
	acc, ok := store.Account(id)
	require.True(t, ok)
	return acc.Balance
}

func entriesOf(store *storage.MemoryStore, txID int64) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range store.Entries() {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out
}

func txByType(store *storage.MemoryStore, kind domain.TransactionType) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range store.Transactions() {
		if tx.Type == kind {
			out = append(out, tx)
		}
	}
	return out
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "got %s, want %s", got, want)
}

func TestDeposit(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "0", domain.USD)
	notifier := &recordingNotifier{}
	svc := newEngine(t, store, ledger.WithNotifier(notifier))

	resp, err := svc.Deposit(context.Background(), acc.ID, d("100"), 42)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, domain.TypeDeposit, resp.Type)
	assert.Equal(t, acc.IBAN, resp.ToAccountIBAN)
	assert.Empty(t, resp.FromAccountIBAN)
	assertDecimal(t, "97.00", balanceOf(t, store, acc.ID))

	deposits := txByType(store, domain.TypeDeposit)
	require.Len(t, deposits, 1)
	assert.Equal(t, domain.StatusCompleted, deposits[0].Status)

	credit := entriesOf(store, deposits[0].ID)
	require.Len(t, credit, 1)
	assert.Equal(t, domain.EntryCredit, credit[0].EntryType)
	assertDecimal(t, "97", credit[0].Amount)

	fees := txByType(store, domain.TypeFee)
	require.Len(t, fees, 1)
	assert.Equal(t, domain.StatusCompleted, fees[0].Status)
	assertDecimal(t, "3", fees[0].Amount)
	require.NotNil(t, fees[0].FromAccountID)
	assert.Equal(t, acc.ID, *fees[0].FromAccountID)

	feeLines := entriesOf(store, fees[0].ID)
	require.Len(t, feeLines, 1)
	assert.Equal(t, domain.EntryDebit, feeLines[0].EntryType)
	assertDecimal(t, "-3", feeLines[0].Amount)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, resp.ReferenceNumber, notifier.events[0].ReferenceNumber)
}

func TestDepositDoesNotRequireOwnership(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "0", domain.EUR)
	svc := newEngine(t, store)

	_, err := svc.Deposit(context.Background(), acc.ID, d("0.01"), 99)
	require.NoError(t, err)

	// 0.0003 rounds to a zero fee: no fee transaction at all.
	assertDecimal(t, "0.01", balanceOf(t, store, acc.ID))
	assert.Empty(t, txByType(store, domain.TypeFee))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "10.00", domain.USD)
	notifier := &recordingNotifier{}
	svc := newEngine(t, store, ledger.WithNotifier(notifier))

	_, err := svc.Withdraw(context.Background(), 1, acc.ID, d("10.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, domain.IsClientError(err))

	assertDecimal(t, "10.00", balanceOf(t, store, acc.ID))

	withdrawals := txByType(store, domain.TypeWithdrawal)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, domain.StatusFailed, withdrawals[0].Status)
	assert.Contains(t, withdrawals[0].FailureReason, "insufficient funds")
	assert.Empty(t, store.Entries())
	assert.Empty(t, txByType(store, domain.TypeFee))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, domain.StatusFailed, notifier.events[0].Status)
}

func TestWithdraw(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100.00", domain.USD)
	svc := newEngine(t, store)

	resp, err := svc.Withdraw(context.Background(), 1, acc.ID, d("50"))
	require.NoError(t, err)
	assert.Equal(t, acc.IBAN, resp.FromAccountIBAN)

	assertDecimal(t, "48.50", balanceOf(t, store, acc.ID))

	withdrawals := txByType(store, domain.TypeWithdrawal)
	require.Len(t, withdrawals, 1)
	lines := entriesOf(store, withdrawals[0].ID)
	require.Len(t, lines, 1)
	assert.Equal(t, domain.EntryDebit, lines[0].EntryType)
	assertDecimal(t, "-50", lines[0].Amount)
}

func TestTransfer(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	from := seed(store, 1, "1000", domain.GBP)
	to := seed(store, 2, "0", domain.GBP)
	svc := newEngine(t, store)

	resp, err := svc.Transfer(context.Background(), from.ID, 1, to.ID, d("100"))
	require.NoError(t, err)
	assert.Equal(t, from.IBAN, resp.FromAccountIBAN)
	assert.Equal(t, to.IBAN, resp.ToAccountIBAN)

	assertDecimal(t, "897", balanceOf(t, store, from.ID))
	assertDecimal(t, "100", balanceOf(t, store, to.ID))

	transfers := txByType(store, domain.TypeTransfer)
	require.Len(t, transfers, 1)
	lines := entriesOf(store, transfers[0].ID)
	require.Len(t, lines, 2)

	byAccount := map[int64]domain.LedgerEntry{}
	for _, l := range lines {
		byAccount[l.AccountID] = l
	}
	assert.Equal(t, domain.EntryDebit, byAccount[from.ID].EntryType)
	assertDecimal(t, "-100", byAccount[from.ID].Amount)
	assert.Equal(t, domain.EntryCredit, byAccount[to.ID].EntryType)
	assertDecimal(t, "100", byAccount[to.ID].Amount)

	fees := txByType(store, domain.TypeFee)
	require.Len(t, fees, 1)
	assertDecimal(t, "3", fees[0].Amount)
}

func TestTransferToSelfLeavesNoRecord(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100", domain.USD)
	svc := newEngine(t, store, ledger.WithRateLimiter(rejectAll{}))

	// Checked before the amount and the rate limiter.
	_, err := svc.Transfer(context.Background(), acc.ID, 1, acc.ID, d("-5"))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Empty(t, store.Transactions())
}

func TestTransferCurrencyMismatch(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	from := seed(store, 1, "100", domain.USD)
	to := seed(store, 2, "100", domain.EUR)
	svc := newEngine(t, store)

	_, err := svc.Transfer(context.Background(), from.ID, 1, to.ID, d("10"))
	assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)

	assertDecimal(t, "100", balanceOf(t, store, from.ID))
	assertDecimal(t, "100", balanceOf(t, store, to.ID))

	transfers := txByType(store, domain.TypeTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, domain.StatusFailed, transfers[0].Status)
	assert.Empty(t, store.Entries())
}

func TestLimits(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	usd := seed(store, 1, "50000", domain.USD)
	eur := seed(store, 1, "0", domain.EUR)
	sek := seed(store, 1, "5000", domain.Currency("SEK"))
	svc := newEngine(t, store)
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, 1, usd.ID, d("10000.01"))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	_, err = svc.Withdraw(ctx, 1, usd.ID, d("10000.00"))
	assert.NoError(t, err)

	_, err = svc.Deposit(ctx, eur.ID, d("9200.01"), 1)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	// unknown currencies fall back to the default ceiling
	_, err = svc.Withdraw(ctx, 1, sek.ID, d("1000.01"))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	assertDecimal(t, "0", balanceOf(t, store, eur.ID))
	assertDecimal(t, "5000", balanceOf(t, store, sek.ID))
}

func TestOwnershipAndStatus(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100", domain.USD)
	other := seed(store, 2, "100", domain.USD)
	closed := store.Seed(domain.Account{OwnerID: 1, Balance: d("100"), Currency: domain.USD, Status: domain.AccountClosed})
	svc := newEngine(t, store)
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, 2, acc.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Transfer(ctx, other.ID, 1, acc.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Withdraw(ctx, 1, closed.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Deposit(ctx, closed.ID, d("1"), 1)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Transfer(ctx, acc.ID, 1, closed.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	assertDecimal(t, "100", balanceOf(t, store, acc.ID))
	assertDecimal(t, "100", balanceOf(t, store, other.ID))
	assertDecimal(t, "100", balanceOf(t, store, closed.ID))
}

func TestMissingAccountFailsTheHeader(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	svc := newEngine(t, store)

	_, err := svc.Deposit(context.Background(), 404, d("10"), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	txs := store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusFailed, txs[0].Status)
	assert.Nil(t, txs[0].ToAccountID)
}

func TestShapeValidationLeavesNoRecord(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100", domain.USD)
	svc := newEngine(t, store)
	ctx := context.Background()

	for _, amount := range []string{"0", "-1", "1.001"} {
		_, err := svc.Deposit(ctx, acc.ID, d(amount), 1)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, amount)

		_, err = svc.Withdraw(ctx, 1, acc.ID, d(amount))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, amount)
	}
	assert.Empty(t, store.Transactions())
}

func TestRateLimitedLeavesNoRecord(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	a := seed(store, 1, "100", domain.USD)
	b := seed(store, 2, "100", domain.USD)
	svc := newEngine(t, store, ledger.WithRateLimiter(rejectAll{}))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, a.ID, d("1"), 1)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	_, err = svc.Withdraw(ctx, 1, a.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	_, err = svc.Transfer(ctx, a.ID, 1, b.ID, d("1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	assert.Empty(t, store.Transactions())
}

func TestConservationUnderConcurrentTransfers(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	svc := newEngine(t, store)

	const accounts = 5
	initial := d("500")
	ids := make([]int64, accounts)
	for i := range ids {
		ids[i] = seed(store, int64(i+1), initial.String(), domain.USD).ID
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(salt int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(salt))
			for i := 0; i < 40; i++ {
				from := rng.Intn(accounts)
				to := (from + 1 + rng.Intn(accounts-1)) % accounts
				amount := decimal.NewFromInt(int64(rng.Intn(50) + 1))

				_, err := svc.Transfer(context.Background(), ids[from], int64(from+1), ids[to], amount)
				if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	total := decimal.Zero
	for _, id := range ids {
		bal := balanceOf(t, store, id)
		assert.False(t, bal.IsNegative())
		total = total.Add(bal)
	}

	collected := decimal.Zero
	for _, fee := range txByType(store, domain.TypeFee) {
		collected = collected.Add(fee.Amount)
	}

	assertDecimal(t, initial.Mul(decimal.NewFromInt(accounts)).String(), total.Add(collected))

	// Every balance is explained by its ledger lines.
	for _, id := range ids {
		sum := initial
		for _, e := range store.Entries() {
			if e.AccountID == id {
				sum = sum.Add(e.Amount)
			}
		}
		assertDecimal(t, sum.String(), balanceOf(t, store, id))
	}
}

func TestNoNegativeBalanceUnderConcurrentWithdrawals(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100", domain.USD)
	svc := newEngine(t, store)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(context.Background(), 1, acc.ID, d("10"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case !errors.Is(err, domain.ErrInsufficientFunds):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 10 + 0.30 fee per withdrawal: nine fit in 100.
	assert.Equal(t, int32(9), succeeded.Load())
	assertDecimal(t, "7.30", balanceOf(t, store, acc.ID))
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	a := seed(store, 1, "10000", domain.USD)
	b := seed(store, 2, "10000", domain.USD)
	svc := newEngine(t, store)

	const rounds = 50

	done := make(chan struct{})
	go func() {
		defer close(done)

		var wg sync.WaitGroup
		for i := 0; i < rounds; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := svc.Transfer(context.Background(), a.ID, 1, b.ID, d("1"))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := svc.Transfer(context.Background(), b.ID, 2, a.ID, d("1"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("opposite transfers did not finish")
	}

	// Each side paid 50 fees of 0.03.
	assertDecimal(t, "9998.50", balanceOf(t, store, a.ID))
	assertDecimal(t, "9998.50", balanceOf(t, store, b.ID))
}

func TestLockTimeoutMarksFailed(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "100", domain.USD)
	svc := newEngine(t, store, ledger.WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()

	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.LockAccount(ctx, acc.ID)
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, 1, acc.ID, d("1"))
	require.NoError(t, holder.Rollback(ctx))

	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))

	txs := txByType(store, domain.TypeWithdrawal)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusFailed, txs[0].Status)
	assertDecimal(t, "100", balanceOf(t, store, acc.ID))

	// the same request goes through once the row is free
	_, err = svc.Withdraw(ctx, 1, acc.ID, d("1"))
	assert.NoError(t, err)
}

// hookStore lets a test intercept unit calls.
type hookStore struct {
	*storage.MemoryStore
	findTx   func(next ledger.Unit, ctx context.Context, id int64) (*domain.Transaction, error)
	updateTx func(next ledger.Unit, ctx context.Context, tx *domain.Transaction) error
}

func (h hookStore) Begin(ctx context.Context) (ledger.Unit, error) {
	u, err := h.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return hookUnit{Unit: u, hooks: h}, nil
}

type hookUnit struct {
	ledger.Unit
	hooks hookStore
}

func (u hookUnit) FindTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	if u.hooks.findTx != nil {
		return u.hooks.findTx(u.Unit, ctx, id)
	}
	return u.Unit.FindTransaction(ctx, id)
}

func (u hookUnit) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if u.hooks.updateTx != nil {
		return u.hooks.updateTx(u.Unit, ctx, tx)
	}
	return u.Unit.UpdateTransaction(ctx, tx)
}

func TestMarkFailedNeverMasksTheCause(t *testing.T) {
	mem := storage.NewMemoryStore(nil)
	acc := seed(mem, 1, "5", domain.USD)
	store := hookStore{
		MemoryStore: mem,
		updateTx: func(next ledger.Unit, ctx context.Context, tx *domain.Transaction) error {
			if tx.Status == domain.StatusFailed {
				return errors.New("disk on fire")
			}
			return next.UpdateTransaction(ctx, tx)
		},
	}
	svc := newEngine(t, store)

	_, err := svc.Withdraw(context.Background(), 1, acc.ID, d("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NotContains(t, err.Error(), "disk on fire")

	// marking failed did not stick; the reconciler picks it up later
	txs := mem.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusPending, txs[0].Status)
}

func TestFinalizeLostHeaderIsIntegrityError(t *testing.T) {
	mem := storage.NewMemoryStore(nil)
	acc := seed(mem, 1, "0", domain.USD)
	store := hookStore{
		MemoryStore: mem,
		findTx: func(ledger.Unit, context.Context, int64) (*domain.Transaction, error) {
			return nil, domain.ErrNotFound
		},
	}
	svc := newEngine(t, store)

	_, err := svc.Deposit(context.Background(), acc.ID, d("10"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.False(t, domain.IsClientError(err))
}

func TestAccountAndHistory(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	acc := seed(store, 1, "0", domain.USD)

	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := newEngine(t, store, ledger.WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, acc.ID, d("100"), 1)
	require.NoError(t, err)
	wd, err := svc.Withdraw(ctx, 1, acc.ID, d("20"))
	require.NoError(t, err)

	view, err := svc.Account(ctx, 1, acc.ID)
	require.NoError(t, err)
	assertDecimal(t, "76.40", view.Balance)

	_, err = svc.Account(ctx, 2, acc.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.Account(ctx, 1, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	items, err := svc.History(ctx, 1, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	// newest first: the withdrawal's debit was written after its fee
	assert.Equal(t, wd.ReferenceNumber, items[0].ReferenceNumber)
	assert.Equal(t, domain.EntryDebit, items[0].EntryType)
	assert.Equal(t, domain.StatusCompleted, items[0].Status)

	limited, err := svc.History(ctx, 1, acc.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = svc.History(ctx, 2, acc.ID, 10)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
