// Package strategy defines the decision contract a platform unit consults once
// per cycle. Signal quality lives outside this module; the strategies here are
// wiring and paper-trading aids.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Side maps a trading action to an order side. HOLD has none.
func (a Action) Side() (broker.Side, bool) {
	switch a {
	case Buy:
		return broker.SideBuy, true
	case Sell:
		return broker.SideSell, true
	}
	return "", false
}

type Decision struct {
	Action Action
	Symbol string
	Size   decimal.Decimal
	Reason string
}

func HoldDecision(reason string) Decision {
	return Decision{Action: Hold, Reason: reason}
}

// AccountState is what a unit knows about its own account at decision time.
type AccountState struct {
	Ref       broker.AccountRef
	Balance   decimal.Decimal
	Positions []broker.Position
	Now       time.Time
	Cycle     int64
}

// Position returns the open position for symbol, if any.
func (s AccountState) Position(symbol string) (broker.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && !p.Quantity.IsZero() {
			return p, true
		}
	}
	return broker.Position{}, false
}

type Strategy interface {
	Decide(ctx context.Context, state AccountState) (Decision, error)
}

// Params configures the built-in strategies.
type Params struct {
	Symbol string
	Size   decimal.Decimal
	Every  int // cycles between flips for "alternate"
}

type Factory func(Params) (Strategy, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a strategy constructor available to ByName.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Names lists registered strategies in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ByName builds a fresh strategy instance. Each platform unit gets its own.
func ByName(name string, p Params) (Strategy, error) {
	regMu.RLock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return f(p)
}

func init() {
	Register("noop", func(Params) (Strategy, error) { return Noop{}, nil })
	Register("open-once", func(p Params) (Strategy, error) { return NewOpenOnce(p.Symbol, p.Size) })
	Register("alternate", func(p Params) (Strategy, error) { return NewAlternate(p.Symbol, p.Size, p.Every) })
}
