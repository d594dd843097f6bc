package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountPending AccountStatus = "PENDING"
	AccountActive  AccountStatus = "ACTIVE"
	AccountClosed  AccountStatus = "CLOSED"
)

type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeTransfer   TransactionType = "TRANSFER"
	TypeFee        TransactionType = "FEE"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Account is a client's wallet. Balance and Status only change inside the engine
// while the row is locked.
type Account struct {
	ID        int64           `json:"id"`
	IBAN      string          `json:"iban"`
	OwnerID   int64           `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  Currency        `json:"currency"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Funds returns the balance as Money in the account's currency.
func (a *Account) Funds() Money {
	return NewMoney(a.Balance, a.Currency)
}

// Transaction is the header of one money movement.
type Transaction struct {
	ID              int64             `json:"id"`
	ReferenceNumber string            `json:"reference_number"`
	Type            TransactionType   `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          TransactionStatus `json:"status"`
	FromAccountID   *int64            `json:"from_account_id,omitempty"`
	ToAccountID     *int64            `json:"to_account_id,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Transition moves a PENDING transaction to a terminal status.
func (t *Transaction) Transition(to TransactionStatus, at time.Time) error {
	if t.Status.Terminal() {
		return Integrity("transaction " + t.ReferenceNumber + " is already " + string(t.Status))
	}
	if !to.Terminal() {
		return Integrity("transaction cannot move back to " + string(to))
	}
	t.Status = to
	t.UpdatedAt = at
	return nil
}

// LedgerEntry is one append-only line of the double-entry trail.
// Amount is negative for debits and positive for credits.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	EntryType     EntryType       `json:"entry_type"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HistoryItem is a ledger entry joined with its transaction header.
type HistoryItem struct {
	ReferenceNumber string            `json:"reference_number"`
	Type            TransactionType   `json:"type"`
	Status          TransactionStatus `json:"status"`
	Amount          decimal.Decimal   `json:"amount"`
	EntryType       EntryType         `json:"direction"`
	CreatedAt       time.Time         `json:"date"`
}

// TransactionResponse is what callers of deposit/withdraw/transfer get back.
type TransactionResponse struct {
	ReferenceNumber string            `json:"reference_number"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          TransactionStatus `json:"status"`
	Type            TransactionType   `json:"type"`
	FromAccountIBAN string            `json:"from_account_iban,omitempty"`
	ToAccountIBAN   string            `json:"to_account_iban,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// StoredReply is the first response sent for an idempotency key, with a hash
// of the request body that produced it.
type StoredReply struct {
	Status      int
	Body        []byte
	RequestHash string
}
