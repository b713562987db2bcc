package oanda

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

// Broker is one OANDA account exposed as a broker.Broker.
type Broker struct {
	c         *Client
	brokerID  string
	accountID string
	nonce     broker.NonceSource

	mu        sync.Mutex
	connected bool
	precision map[string]int32
}

func New(c *Client, brokerID, accountID string, nonce broker.NonceSource) *Broker {
	return &Broker{c: c, brokerID: brokerID, accountID: accountID, nonce: nonce}
}

// SetUnitsPrecision overrides the decimal places OANDA accepts for symbol's
// order units (tradeUnitsPrecision). Instruments default to whole units.
func (b *Broker) SetUnitsPrecision(symbol string, places int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.precision == nil {
		b.precision = make(map[string]int32)
	}
	b.precision[symbol] = places
}

func (b *Broker) unitsPrecision(symbol string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.precision[symbol]
}

// SizeIncrement implements broker.SizeRules.
func (b *Broker) SizeIncrement(symbol string) decimal.Decimal {
	return decimal.New(1, -b.unitsPrecision(symbol))
}

func (b *Broker) path(parts ...string) string {
	p := "/v3/accounts/" + url.PathEscape(b.accountID)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

func (b *Broker) ready(op broker.Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.Wrap(op, b.brokerID, broker.ErrNotConnected)
	}
	return nil
}

type accountSummary struct {
	Account struct {
		ID       string          `json:"id"`
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		NAV      decimal.Decimal `json:"NAV"`
	} `json:"account"`
}

// Connect checks the token against the account summary endpoint.
func (b *Broker) Connect(ctx context.Context) error {
	var s accountSummary
	if err := b.c.do(ctx, "GET", b.path("summary"), nil, &s); err != nil {
		return broker.Wrap(broker.OpConnect, b.brokerID, err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := b.ready(broker.OpBalance); err != nil {
		return decimal.Zero, err
	}
	var s accountSummary
	if err := b.c.do(ctx, "GET", b.path("summary"), nil, &s); err != nil {
		return decimal.Zero, broker.Wrap(broker.OpBalance, b.brokerID, err)
	}
	return s.Account.Balance, nil
}

type positionSide struct {
	Units        decimal.Decimal `json:"units"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

type openPositions struct {
	Positions []struct {
		Instrument string       `json:"instrument"`
		Long       positionSide `json:"long"`
		Short      positionSide `json:"short"`
	} `json:"positions"`
}

// GetPositions returns the net position per instrument. Shorts are negative.
func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := b.ready(broker.OpPositions); err != nil {
		return nil, err
	}
	var op openPositions
	if err := b.c.do(ctx, "GET", b.path("openPositions"), nil, &op); err != nil {
		return nil, broker.Wrap(broker.OpPositions, b.brokerID, err)
	}

	out := make([]broker.Position, 0, len(op.Positions))
	for _, p := range op.Positions {
		net := p.Long.Units.Add(p.Short.Units)
		if net.IsZero() {
			continue
		}
		avg := p.Long.AveragePrice
		if net.IsNegative() {
			avg = p.Short.AveragePrice
		}
		out = append(out, broker.Position{Symbol: p.Instrument, Quantity: net, AvgPrice: avg})
	}
	return out, nil
}

type clientExtensions struct {
	ID string `json:"id"`
}

type marketOrder struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
}

type orderResponse struct {
	OrderCreateTransaction struct {
		ID string `json:"id"`
	} `json:"orderCreateTransaction"`
	OrderFillTransaction *struct {
		ID      string          `json:"id"`
		OrderID string          `json:"orderID"`
		Units   decimal.Decimal `json:"units"`
		Price   decimal.Decimal `json:"price"`
	} `json:"orderFillTransaction,omitempty"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction,omitempty"`
}

// PlaceOrder submits a fill-or-kill market order. The client order id carries
// the next request sequence so the venue rejects replays.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := b.ready(broker.OpPlaceOrder); err != nil {
		return broker.OrderResult{Status: broker.StatusUnknown}, err
	}
	if !req.Side.Valid() || !req.Size.IsPositive() {
		return broker.OrderResult{Status: broker.StatusRejected, Error: "invalid order"}, nil
	}

	size := req.Size.Truncate(b.unitsPrecision(req.Symbol))
	if !size.IsPositive() {
		return broker.OrderResult{Status: broker.StatusRejected, Error: "size below instrument units precision"}, nil
	}
	units := size
	if req.Side == broker.SideSell {
		units = units.Neg()
	}
	mo := marketOrder{
		Type:         "MARKET",
		Instrument:   req.Symbol,
		Units:        units.String(),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if b.nonce != nil {
		mo.ClientExtensions = &clientExtensions{ID: fmt.Sprintf("ct-%d", b.nonce.Next())}
	}

	var resp orderResponse
	err := b.c.do(ctx, "POST", b.path("orders"), map[string]any{"order": mo}, &resp)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && errors.Is(err, broker.ErrRejected) {
			return broker.OrderResult{Status: broker.StatusRejected, Error: he.Body.reason()}, nil
		}
		return broker.OrderResult{Status: broker.StatusUnknown}, broker.Wrap(broker.OpPlaceOrder, b.brokerID, err)
	}

	res := broker.OrderResult{OrderID: resp.OrderCreateTransaction.ID}
	switch {
	case resp.OrderFillTransaction != nil:
		filled := resp.OrderFillTransaction.Units.Abs()
		res.FilledQuantity = filled
		res.FilledPrice = resp.OrderFillTransaction.Price
		res.Status = broker.StatusFilled
		if filled.LessThan(size) {
			res.Status = broker.StatusPartiallyFilled
		}
	case resp.OrderCancelTransaction != nil:
		res.Status = broker.StatusCanceled
		res.Error = resp.OrderCancelTransaction.Reason
	default:
		res.Status = broker.StatusSubmitted
	}
	return res, nil
}

// CancelOrder returns false when the order is unknown or no longer pending.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := b.ready(broker.OpCancelOrder); err != nil {
		return false, err
	}
	err := b.c.do(ctx, "PUT", b.path("orders", url.PathEscape(orderID), "cancel"), nil, nil)
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && he.Status == 404 {
			return false, nil
		}
		return false, broker.Wrap(broker.OpCancelOrder, b.brokerID, err)
	}
	return true, nil
}

var _ broker.Broker = (*Broker)(nil)
