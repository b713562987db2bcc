package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Noop always holds.
type Noop struct{}

func (Noop) Decide(context.Context, AccountState) (Decision, error) {
	return HoldDecision("noop"), nil
}

// OpenOnce buys Size of Symbol the first time it is asked while the account
// holds no position in it. It's meant as a wiring test.
type OpenOnce struct {
	Symbol string
	Size   decimal.Decimal

	mu     sync.Mutex
	opened bool
}

func NewOpenOnce(symbol string, size decimal.Decimal) (*OpenOnce, error) {
	if symbol == "" {
		return nil, fmt.Errorf("open-once: symbol is required")
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("open-once: size must be positive")
	}
	return &OpenOnce{Symbol: symbol, Size: size}, nil
}

func (s *OpenOnce) Decide(_ context.Context, st AccountState) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return HoldDecision("already opened"), nil
	}
	if _, ok := st.Position(s.Symbol); ok {
		s.opened = true
		return HoldDecision("position exists"), nil
	}
	s.opened = true
	return Decision{Action: Buy, Symbol: s.Symbol, Size: s.Size, Reason: "open once"}, nil
}

// Alternate opens a long on the first cycle and then flips between selling
// and buying every Every cycles. It keeps a paper venue busy.
type Alternate struct {
	Symbol string
	Size   decimal.Decimal
	Every  int
}

func NewAlternate(symbol string, size decimal.Decimal, every int) (*Alternate, error) {
	if symbol == "" {
		return nil, fmt.Errorf("alternate: symbol is required")
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("alternate: size must be positive")
	}
	if every < 1 {
		every = 1
	}
	return &Alternate{Symbol: symbol, Size: size, Every: every}, nil
}

func (s *Alternate) Decide(_ context.Context, st AccountState) (Decision, error) {
	if st.Cycle%int64(s.Every) != 0 {
		return HoldDecision("waiting"), nil
	}
	pos, ok := st.Position(s.Symbol)
	if ok && pos.Quantity.IsPositive() {
		return Decision{Action: Sell, Symbol: s.Symbol, Size: pos.Quantity, Reason: "flip to flat"}, nil
	}
	return Decision{Action: Buy, Symbol: s.Symbol, Size: s.Size, Reason: "flip to long"}, nil
}
