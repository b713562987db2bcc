package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNoPlatformBalance = errors.New("platform balance is not positive")
	ErrNoPrice           = errors.New("fill price is not positive")
	ErrNoUserBalance     = errors.New("subscriber balance is not positive")
)

// Inputs describes one master fill as seen by one subscriber.
type Inputs struct {
	MasterQuantity  decimal.Decimal
	Price           decimal.Decimal
	UserBalance     decimal.Decimal
	PlatformBalance decimal.Decimal
	// Increment is the venue's order size step. Zero means SizeScale.
	Increment decimal.Decimal
}

type Result struct {
	Scale    decimal.Decimal // user balance / platform balance
	Size     decimal.Decimal // units to submit, truncated to SizeScale and Increment
	Notional decimal.Decimal // Size * Price
	Clamped  bool
	Dust     bool
	Reason   string
}

// SizeCopy scales the master quantity by the balance ratio and clamps the
// notional to the policy's max-risk fraction of the user's balance. A result
// whose notional is below the dust threshold is marked Dust and must not be
// submitted.
func SizeCopy(p Policy, in Inputs) (Result, error) {
	var r Result

	if !in.PlatformBalance.IsPositive() {
		return r, ErrNoPlatformBalance
	}
	if !in.Price.IsPositive() {
		return r, ErrNoPrice
	}
	if !in.UserBalance.IsPositive() {
		return r, ErrNoUserBalance
	}

	r.Scale = in.UserBalance.Div(in.PlatformBalance)
	r.Size = in.MasterQuantity.Abs().Mul(r.Scale).Truncate(SizeScale)

	if p.MaxRiskFraction.IsPositive() {
		maxNotional := in.UserBalance.Mul(p.MaxRiskFraction)
		if r.Size.Mul(in.Price).GreaterThan(maxNotional) {
			r.Size = UnitsForNotional(maxNotional, in.Price)
			r.Clamped = true
		}
	}
	r.Size = RoundToIncrement(r.Size, in.Increment)
	r.Notional = r.Size.Mul(in.Price)

	if !r.Size.IsPositive() && in.Increment.IsPositive() {
		r.Dust = true
		r.Reason = "below venue size increment " + in.Increment.String()
		return r, nil
	}
	if !r.Size.IsPositive() || r.Notional.LessThan(p.DustThreshold) {
		r.Dust = true
		r.Reason = fmt.Sprintf("below dust threshold: notional %s < %s",
			r.Notional.StringFixed(2), p.DustThreshold.StringFixed(2))
		return r, nil
	}
	if r.Clamped {
		r.Reason = fmt.Sprintf("clamped to %s%% of balance",
			p.MaxRiskFraction.Mul(decimal.NewFromInt(100)).String())
	}
	return r, nil
}

// RoundToIncrement truncates size down to a whole multiple of inc. A
// non-positive inc leaves size unchanged.
func RoundToIncrement(size, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return size
	}
	return size.Div(inc).Floor().Mul(inc)
}

// UnitsForNotional converts an account-currency amount to units at price,
// truncated to SizeScale.
func UnitsForNotional(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(price).Truncate(SizeScale)
}
