package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the capability every brokerage adapter exposes. The orchestrator
// and the replication engine only ever talk to this interface.
type Broker interface {
	Connect(ctx context.Context) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// SizeRules is implemented by capabilities whose venue only accepts order
// sizes in fixed increments.
type SizeRules interface {
	SizeIncrement(symbol string) decimal.Decimal
}

// SizeIncrement returns the smallest order size step b accepts for symbol,
// or zero when b does not restrict it.
func SizeIncrement(b Broker, symbol string) decimal.Decimal {
	if r, ok := b.(SizeRules); ok {
		return r.SizeIncrement(symbol)
	}
	return decimal.Zero
}

// NonceSource hands out strictly increasing request identifiers.
type NonceSource interface {
	Next() int64
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Confirmed reports whether the venue confirmed at least a partial fill.
func (s OrderStatus) Confirmed() bool {
	return s == StatusFilled || s == StatusPartiallyFilled
}

// Open reports whether the order may still be working at the venue.
func (s OrderStatus) Open() bool {
	return s == StatusPending || s == StatusSubmitted || s == StatusUnknown
}

type Position struct {
	Symbol   string
	Quantity decimal.Decimal // negative for shorts
	AvgPrice decimal.Decimal
}

type OrderRequest struct {
	Symbol string
	Side   Side
	Size   decimal.Decimal
}

type OrderResult struct {
	Status         OrderStatus
	OrderID        string
	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal
	Error          string
}

// Op names a capability call; it travels with errors so callers can
// classify failures by the operation that produced them.
type Op string

const (
	OpConnect     Op = "connect"
	OpBalance     Op = "get_balance"
	OpPositions   Op = "get_positions"
	OpPlaceOrder  Op = "place_order"
	OpCancelOrder Op = "cancel_order"
)
