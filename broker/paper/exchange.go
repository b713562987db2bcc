// Package paper is an in-memory brokerage venue. It keeps cash balances and
// net positions per account, checks request identifiers like a live venue and
// lets tests script faults and order statuses.
package paper

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

// Exchange is one paper venue: a shared price table plus the accounts opened
// on it.
type Exchange struct {
	id string

	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	accounts map[string]*Account
}

func NewExchange(brokerID string, prices map[string]decimal.Decimal) *Exchange {
	x := &Exchange{
		id:       brokerID,
		prices:   make(map[string]decimal.Decimal, len(prices)),
		accounts: make(map[string]*Account),
	}
	for sym, p := range prices {
		x.prices[sym] = p
	}
	return x
}

func (x *Exchange) ID() string { return x.id }

func (x *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.prices[symbol] = price
}

func (x *Exchange) Price(symbol string) (decimal.Decimal, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.prices[symbol]
	return p, ok
}

// Open creates an account with a starting cash balance. nonce may be nil, in
// which case request identifiers are not checked.
func (x *Exchange) Open(accountID string, balance decimal.Decimal, nonce broker.NonceSource) (*Account, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.accounts[accountID]; ok {
		return nil, fmt.Errorf("paper %s: account %q already open", x.id, accountID)
	}
	a := newAccount(x, accountID, balance, nonce)
	x.accounts[accountID] = a
	return a, nil
}

// Account returns an account previously opened on this venue.
func (x *Exchange) Account(accountID string) (*Account, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.accounts[accountID]
	return a, ok
}
