// Package policy holds the pure pricing rules the engine applies to every
// money movement: the percentage fee and the per-currency ceiling.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

var hundred = decimal.NewFromInt(100)

// FeePolicy charges a flat percentage of the requested amount.
type FeePolicy struct {
	percent decimal.Decimal
}

func NewFeePolicy(percent decimal.Decimal) (FeePolicy, error) {
	if percent.IsNegative() || percent.GreaterThanOrEqual(hundred) {
		return FeePolicy{}, fmt.Errorf("fee percent must be in [0, 100), got %s", percent)
	}
	return FeePolicy{percent: percent}, nil
}

// ComputeFee returns amount × percent / 100 rounded half-up to two places.
func (p FeePolicy) ComputeFee(amount decimal.Decimal) decimal.Decimal {
	// decimal.Round rounds half away from zero, which is half-up for positive amounts.
	return amount.Mul(p.percent).Div(hundred).Round(domain.Scale)
}

func (p FeePolicy) Percent() decimal.Decimal { return p.percent }

// LimitPolicy caps a single transaction per currency.
type LimitPolicy struct {
	limits   map[domain.Currency]decimal.Decimal
	fallback decimal.Decimal
}

// NewLimitPolicy copies limits so later changes to the caller's map are not seen.
func NewLimitPolicy(limits map[domain.Currency]decimal.Decimal, fallback decimal.Decimal) (LimitPolicy, error) {
	if !fallback.IsPositive() {
		return LimitPolicy{}, fmt.Errorf("default limit must be positive, got %s", fallback)
	}
	cp := make(map[domain.Currency]decimal.Decimal, len(limits))
	for cur, limit := range limits {
		if !limit.IsPositive() {
			return LimitPolicy{}, fmt.Errorf("limit for %s must be positive, got %s", cur, limit)
		}
		cp[cur] = limit
	}
	return LimitPolicy{limits: cp, fallback: fallback}, nil
}

// LimitFor returns the ceiling for currency; unknown currencies get the default.
func (p LimitPolicy) LimitFor(currency domain.Currency) decimal.Decimal {
	if limit, ok := p.limits[currency]; ok {
		return limit
	}
	return p.fallback
}

// Check rejects amounts above the ceiling of currency.
func (p LimitPolicy) Check(currency domain.Currency, amount decimal.Decimal) error {
	limit := p.LimitFor(currency)
	if amount.GreaterThan(limit) {
		return domain.LimitExceeded(fmt.Sprintf("amount %s exceeds limit %s for currency %s",
			amount.StringFixed(domain.Scale), limit.StringFixed(domain.Scale), currency))
	}
	return nil
}

// DefaultLimits is the per-currency table used when none is configured.
func DefaultLimits() map[domain.Currency]decimal.Decimal {
	return map[domain.Currency]decimal.Decimal{
		domain.USD: decimal.NewFromInt(10000),
		domain.EUR: decimal.NewFromInt(9200),
		domain.GBP: decimal.NewFromInt(7800),
		domain.CHF: decimal.NewFromInt(8600),
		domain.PLN: decimal.NewFromInt(40000),
	}
}

// Policy bundles the immutable rules injected into the engine.
type Policy struct {
	Fees   FeePolicy
	Limits LimitPolicy
}
