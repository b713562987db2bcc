// Package risk sizes copy orders for subscriber accounts.
package risk

import "github.com/shopspring/decimal"

// SizeScale is the number of decimal places order sizes are truncated to.
const SizeScale = 8

type Policy struct {
	// MaxRiskFraction caps the notional of one copy at this share of the
	// subscriber's balance (0.10 = 10%).
	MaxRiskFraction decimal.Decimal

	// DustThreshold is the minimum tradable notional, in account currency.
	DustThreshold decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRiskFraction: decimal.NewFromFloat(0.10),
		DustThreshold:   decimal.NewFromInt(1),
	}
}
