package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/locking"
	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/ledger"
)

// MemoryStore keeps everything in process. Writes made through a unit are
// staged and applied in one step on Commit, so a rolled-back unit leaves no
// trace. Account locks come from a locking.Locker and are held until the
// unit ends.
type MemoryStore struct {
	mu     sync.RWMutex
	locker locking.Locker

	clients  map[int64]string
	apiKeys  map[string]int64
	accounts map[int64]domain.Account
	ibans    map[string]int64
	txs      map[int64]domain.Transaction
	refs     map[string]int64
	entries  []domain.LedgerEntry
	replies  map[string]domain.StoredReply

	nextClient  atomic.Int64
	nextAccount atomic.Int64
	nextTx      atomic.Int64
	nextEntry   atomic.Int64
}


// NewMemoryStore uses an in-process KeyedMutex when locker is nil.
func NewMemoryStore(locker locking.Locker) *MemoryStore {
	if locker == nil {
		locker = locking.NewKeyedMutex()
	}
	return &MemoryStore{
		locker:   locker,
		clients:  make(map[int64]string),
		apiKeys:  make(map[string]int64),
		accounts: make(map[int64]domain.Account),
		ibans:    make(map[string]int64),
		txs:      make(map[int64]domain.Transaction),
		refs:     make(map[string]int64),
		replies:  make(map[string]domain.StoredReply),
	}
}

var _ ledger.Store = (*MemoryStore)(nil)

func (s *MemoryStore) Begin(_ context.Context) (ledger.Unit, error) {
	return &memUnit{
		s:        s,
		locked:   make(map[int64]bool),
		accounts: make(map[int64]domain.Account),
		txs:      make(map[int64]domain.Transaction),
	}, nil
}

// History returns the newest entries of accountID first.
func (s *MemoryStore) History(_ context.Context, accountID int64, limit int) ([]domain.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lines []domain.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			lines = append(lines, e)
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].ID > lines[j].ID
		}
		return lines[i].CreatedAt.After(lines[j].CreatedAt)
	})
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}

	items := make([]domain.HistoryItem, 0, len(lines))
	for _, e := range lines {
		tx := s.txs[e.TransactionID]
		items = append(items, domain.HistoryItem{
			ReferenceNumber: tx.ReferenceNumber,
			Type:            tx.Type,
			Status:          tx.Status,
			Amount:          e.Amount,
			EntryType:       e.EntryType,
			CreatedAt:       e.CreatedAt,
		})
	}
	return items, nil
}

// StalePending lists PENDING headers created before the cutoff, oldest first.
func (s *MemoryStore) StalePending(_ context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []domain.Transaction
	for _, tx := range s.txs {
		if tx.Status == domain.StatusPending && tx.CreatedAt.Before(before) {
			stale = append(stale, tx)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) CountEntries(_ context.Context, transactionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			n++
		}
	}
	return n, nil
}

// Entries returns a copy of every ledger line, in insertion order.
func (s *MemoryStore) Entries() []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LedgerEntry(nil), s.entries...)
}

// Transactions returns a copy of every header ordered by id.
func (s *MemoryStore) Transactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Directory ---

func (s *MemoryStore) CreateClient(_ context.Context, name string) (int64, error) {
	if name == "" {
		return 0, domain.InvalidRequest("client name is required")
	}
	id := s.nextClient.Add(1)

	s.mu.Lock()
	s.clients[id] = name
	s.mu.Unlock()
	return id, nil
}

// OpenAccount creates an ACTIVE, empty account with a fresh IBAN.
func (s *MemoryStore) OpenAccount(_ context.Context, ownerID int64, country domain.Country, currency domain.Currency) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[ownerID]; !ok {
		return nil, domain.NotFound(fmt.Sprintf("client %d not found", ownerID))
	}

	iban, err := s.uniqueIBAN(country)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	acc := domain.Account{
		ID:        s.nextAccount.Add(1),
		IBAN:      iban,
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		Currency:  currency,
		Status:    domain.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[acc.ID] = acc
	s.ibans[iban] = acc.ID
	return &acc, nil
}

func (s *MemoryStore) uniqueIBAN(country domain.Country) (string, error) {
	for i := 0; i < 5; i++ {
		iban, err := domain.GenerateIBAN(country)
		if err != nil {
			return "", err
		}
		if _, taken := s.ibans[iban]; !taken {
			return iban, nil
		}
	}
	return "", errors.New("could not generate a unique IBAN")
}

// Seed stores acc as given, assigning an id when it has none. It exists to
// load fixtures and snapshots; balances never change this way at runtime.
func (s *MemoryStore) Seed(acc domain.Account) domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.ID == 0 {
		acc.ID = s.nextAccount.Add(1)
	} else if acc.ID > s.nextAccount.Load() {
		s.nextAccount.Store(acc.ID)
	}
	if acc.IBAN == "" {
		acc.IBAN = "XX00SEED" + strconv.FormatInt(acc.ID, 10)
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
		acc.UpdatedAt = acc.CreatedAt
	}
	if _, ok := s.clients[acc.OwnerID]; !ok {
		s.clients[acc.OwnerID] = "seed"
	}
	s.accounts[acc.ID] = acc
	s.ibans[acc.IBAN] = acc.ID
	return acc
}

// Account reads a committed account.
func (s *MemoryStore) Account(id int64) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	return acc, ok
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, clientID int64, keyHash, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return domain.NotFound(fmt.Sprintf("client %d not found", clientID))
	}
	s.apiKeys[keyHash] = clientID
	return nil
}

func (s *MemoryStore) ClientByKeyHash(_ context.Context, keyHash string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.apiKeys[keyHash]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

// --- Idempotency ---

func (s *MemoryStore) LookupReply(_ context.Context, key string) (domain.StoredReply, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.replies[key]
	return r, ok, nil
}

func (s *MemoryStore) SaveReply(_ context.Context, key string, reply domain.StoredReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.replies[key]; !ok {
		reply.Body = append([]byte(nil), reply.Body...)
		s.replies[key] = reply
	}
	return nil
}

// memUnit stages writes until Commit.
type memUnit struct {
	s        *MemoryStore
	releases []func()
	locked   map[int64]bool
	accounts map[int64]domain.Account
	txs      map[int64]domain.Transaction
	entries  []domain.LedgerEntry
	done     bool
}

func (u *memUnit) FindAccount(_ context.Context, id int64) (*domain.Account, error) {
	if acc, ok := u.accounts[id]; ok {
		return &acc, nil
	}
	acc, ok := u.s.Account(id)
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("account %d not found", id))
	}
	return &acc, nil
}

func (u *memUnit) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if u.done {
		return nil, errUnitDone
	}
	if u.locked[id] {
		return u.FindAccount(ctx, id)
	}
	if _, ok := u.s.Account(id); !ok {
		return nil, domain.NotFound(fmt.Sprintf("account %d not found", id))
	}

	release, err := u.s.locker.Acquire(ctx, accountKey(id))
	if err != nil {
		return nil, err
	}
	u.releases = append(u.releases, release)
	u.locked[id] = true

	// Re-read after the wait: the previous holder may have changed the row.
	return u.FindAccount(ctx, id)
}

func (u *memUnit) SaveAccount(_ context.Context, account *domain.Account) error {
	if u.done {
		return errUnitDone
	}
	if !u.locked[account.ID] {
		return fmt.Errorf("account %d saved without holding its lock", account.ID)
	}
	if account.Balance.IsNegative() {
		return domain.Integrity(fmt.Sprintf("account %d balance would be negative", account.ID))
	}
	u.accounts[account.ID] = *account
	return nil
}

func (u *memUnit) InsertTransaction(_ context.Context, tx *domain.Transaction) error {
	if u.done {
		return errUnitDone
	}
	if _, taken := u.referenceOwner(tx.ReferenceNumber); taken {
		return fmt.Errorf("reference %s already used", tx.ReferenceNumber)
	}
	tx.ID = u.s.nextTx.Add(1)
	u.txs[tx.ID] = *tx
	return nil
}

func (u *memUnit) referenceOwner(ref string) (int64, bool) {
	for id, tx := range u.txs {
		if tx.ReferenceNumber == ref {
			return id, true
		}
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	id, ok := u.s.refs[ref]
	return id, ok
}

func (u *memUnit) FindTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	if tx, ok := u.txs[id]; ok {
		return &tx, nil
	}
	u.s.mu.RLock()
	tx, ok := u.s.txs[id]
	u.s.mu.RUnlock()
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("transaction %d not found", id))
	}
	return &tx, nil
}

func (u *memUnit) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if u.done {
		return errUnitDone
	}
	if _, err := u.FindTransaction(ctx, tx.ID); err != nil {
		return err
	}
	u.txs[tx.ID] = *tx
	return nil
}

func (u *memUnit) InsertEntry(_ context.Context, entry *domain.LedgerEntry) error {
	if u.done {
		return errUnitDone
	}
	entry.ID = u.s.nextEntry.Add(1)
	u.entries = append(u.entries, *entry)
	return nil
}

func (u *memUnit) Commit(_ context.Context) error {
	if u.done {
		return errUnitDone
	}
	defer u.release()

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tx := range u.txs {
		if owner, ok := s.refs[tx.ReferenceNumber]; ok && owner != id {
			return fmt.Errorf("reference %s already used", tx.ReferenceNumber)
		}
	}
	for id, acc := range u.accounts {
		s.accounts[id] = acc
	}
	for id, tx := range u.txs {
		s.txs[id] = tx
		s.refs[tx.ReferenceNumber] = id
	}
	s.entries = append(s.entries, u.entries...)
	return nil
}

func (u *memUnit) Rollback(_ context.Context) error {
	if u.done {
		return nil
	}
	u.release()
	return nil
}

func (u *memUnit) release() {
	u.done = true
	for i := len(u.releases) - 1; i >= 0; i-- {
		u.releases[i]()
	}
	u.releases = nil
}

var errUnitDone = errors.New("unit already committed or rolled back")

func accountKey(id int64) string {
	return "account:" + strconv.FormatInt(id, 10)
}
