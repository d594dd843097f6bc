package domain

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every monetary amount carries.
const Scale = 2

type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CHF Currency = "CHF"
	PLN Currency = "PLN"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Valid reports whether c looks like an ISO 4217 code.
func (c Currency) Valid() bool {
	return currencyCode.MatchString(string(c))
}

// Money holds a fixed-point amount in one currency.
// Example: $10.50 is decimal 10.50 with currency USD.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

// NewMoney creates a new Money instance
func NewMoney(amount decimal.Decimal, currency Currency) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// Add adds two Money instances safely
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, CurrencyMismatch(fmt.Sprintf("cannot add %s to %s", other.Currency, m.Currency))
	}
	return Money{
		Amount:   m.Amount.Add(other.Amount),
		Currency: m.Currency,
	}, nil
}

// Subtract subtracts Money safely. The result is never negative.
func (m Money) Subtract(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, CurrencyMismatch(fmt.Sprintf("cannot subtract %s from %s", other.Currency, m.Currency))
	}
	if m.Amount.LessThan(other.Amount) {
		return Money{}, InsufficientFunds("insufficient funds")
	}
	return Money{
		Amount:   m.Amount.Sub(other.Amount),
		Currency: m.Currency,
	}, nil
}

func (m Money) String() string {
	return m.Amount.StringFixed(Scale) + " " + string(m.Currency)
}

// ValidateAmount accepts strictly positive amounts with at most two decimals.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return InvalidRequest("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return InvalidRequest(fmt.Sprintf("amount %s has more than %d decimal places", amount, Scale))
	}
	return nil
}
