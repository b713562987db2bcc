package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

// PartialFraction is the share of an order filled when PARTIALLY_FILLED is
// scripted without an explicit fraction.
var PartialFraction = decimal.NewFromFloat(0.5)

type position struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

type Order struct {
	ID        string
	Symbol    string
	Side      broker.Side
	Size      decimal.Decimal
	Status    broker.OrderStatus
	Filled    decimal.Decimal
	Price     decimal.Decimal
	Nonce     int64
	CreatedAt time.Time
}

type script struct {
	status   broker.OrderStatus
	fraction decimal.Decimal
}

// Account implements broker.Broker for one account on an Exchange.
type Account struct {
	x     *Exchange
	id    string
	nonce broker.NonceSource

	mu        sync.Mutex
	connected bool
	balance   decimal.Decimal
	positions map[string]*position
	orders    map[string]*Order
	history   []string
	lastNonce int64
	faults    map[broker.Op][]error
	scripts   []script
	latency   time.Duration
	calls     map[broker.Op]int
}

func newAccount(x *Exchange, id string, balance decimal.Decimal, nonce broker.NonceSource) *Account {
	return &Account{
		x:         x,
		id:        id,
		nonce:     nonce,
		balance:   balance,
		positions: make(map[string]*position),
		orders:    make(map[string]*Order),
		faults:    make(map[broker.Op][]error),
		calls:     make(map[broker.Op]int),
	}
}

func (a *Account) ID() string { return a.id }

// FailNext queues errors returned by the next calls of op, one per call.
func (a *Account) FailNext(op broker.Op, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op] = append(a.faults[op], errs...)
}

// ScriptOrder queues the status the next PlaceOrder returns. fraction applies
// to PARTIALLY_FILLED only; zero means PartialFraction.
func (a *Account) ScriptOrder(status broker.OrderStatus, fraction decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, script{status: status, fraction: fraction})
}

// SetLatency delays every call by d, honoring ctx.
func (a *Account) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// SetLastNonce makes the venue reject identifiers at or below n.
func (a *Account) SetLastNonce(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastNonce = n
}

func (a *Account) SetBalance(b decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = b
}

// Calls reports how many times op was invoked, including failed calls.
func (a *Account) Calls(op broker.Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Orders returns every order in submission order.
func (a *Account) Orders() []Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Order, 0, len(a.history))
	for _, id := range a.history {
		out = append(out, *a.orders[id])
	}
	return out
}

func (a *Account) enter(ctx context.Context, op broker.Op) error {
	a.mu.Lock()
	a.calls[op]++
	lat := a.latency
	a.mu.Unlock()

	if lat > 0 {
		t := time.NewTimer(lat)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return a.wrap(op, fmt.Errorf("%w: %v", broker.ErrTimeout, ctx.Err()))
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return a.wrap(op, fmt.Errorf("%w: %v", broker.ErrTimeout, err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if q := a.faults[op]; len(q) > 0 {
		err := q[0]
		a.faults[op] = q[1:]
		return a.wrap(op, err)
	}
	if op != broker.OpConnect && !a.connected {
		return a.wrap(op, broker.ErrNotConnected)
	}
	return nil
}

func (a *Account) wrap(op broker.Op, err error) error {
	return broker.Wrap(op, a.x.id, err)
}

func (a *Account) Connect(ctx context.Context) error {
	if err := a.enter(ctx, broker.OpConnect); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Account) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := a.enter(ctx, broker.OpBalance); err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (a *Account) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := a.enter(ctx, broker.OpPositions); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]broker.Position, 0, len(a.positions))
	for sym, p := range a.positions {
		if p.qty.IsZero() {
			continue
		}
		out = append(out, broker.Position{Symbol: sym, Quantity: p.qty, AvgPrice: p.avg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (a *Account) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := a.enter(ctx, broker.OpPlaceOrder); err != nil {
		return broker.OrderResult{Status: broker.StatusUnknown}, err
	}

	if !req.Side.Valid() || !req.Size.IsPositive() {
		return rejected(fmt.Sprintf("invalid order: side %q size %s", req.Side, req.Size)), nil
	}
	price, ok := a.x.Price(req.Symbol)
	if !ok {
		return rejected(fmt.Sprintf("unknown symbol %q", req.Symbol)), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var n int64
	if a.nonce != nil {
		n = a.nonce.Next()
		if n <= a.lastNonce {
			return broker.OrderResult{Status: broker.StatusRejected, Error: "stale nonce"},
				a.wrap(broker.OpPlaceOrder, fmt.Errorf("%w: %d <= %d", broker.ErrStaleNonce, n, a.lastNonce))
		}
		a.lastNonce = n
	}

	sc := script{status: broker.StatusFilled, fraction: decimal.NewFromInt(1)}
	if len(a.scripts) > 0 {
		sc = a.scripts[0]
		a.scripts = a.scripts[1:]
		if sc.status == broker.StatusPartiallyFilled && !sc.fraction.IsPositive() {
			sc.fraction = PartialFraction
		}
		if sc.status == broker.StatusFilled {
			sc.fraction = decimal.NewFromInt(1)
		}
	}

	o := &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Size:      req.Size,
		Status:    sc.status,
		Price:     price,
		Nonce:     n,
		CreatedAt: time.Now(),
	}

	if sc.status.Confirmed() {
		o.Filled = req.Size.Mul(sc.fraction).Truncate(8)
		cost := o.Filled.Mul(price)
		if req.Side == broker.SideBuy && cost.GreaterThan(a.balance) {
			return rejected(fmt.Sprintf("%v: need %s, have %s", broker.ErrInsufficientFunds, cost.StringFixed(2), a.balance.StringFixed(2))), nil
		}
		a.applyLocked(o, cost)
	}

	a.orders[o.ID] = o
	a.history = append(a.history, o.ID)

	res := broker.OrderResult{Status: o.Status, OrderID: o.ID}
	if o.Status.Confirmed() {
		res.FilledQuantity = o.Filled
		res.FilledPrice = price
	}
	if o.Status == broker.StatusRejected {
		res.Error = "rejected by venue"
	}
	return res, nil
}

func (a *Account) applyLocked(o *Order, cost decimal.Decimal) {
	p, ok := a.positions[o.Symbol]
	if !ok {
		p = &position{}
		a.positions[o.Symbol] = p
	}

	signed := o.Filled
	if o.Side == broker.SideSell {
		signed = signed.Neg()
		a.balance = a.balance.Add(cost)
	} else {
		a.balance = a.balance.Sub(cost)
	}

	next := p.qty.Add(signed)
	switch {
	case next.IsZero():
		p.avg = decimal.Zero
	case p.qty.IsZero() || p.qty.Sign() != next.Sign():
		p.avg = o.Price
	case p.qty.Sign() == signed.Sign():
		// Adding to the position: volume-weighted average.
		p.avg = p.avg.Mul(p.qty.Abs()).Add(o.Price.Mul(o.Filled)).Div(next.Abs())
	}
	p.qty = next
}

// CancelOrder cancels a working order. Filled or unknown orders return false.
func (a *Account) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := a.enter(ctx, broker.OpCancelOrder); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[orderID]
	if !ok || !o.Status.Open() {
		return false, nil
	}
	o.Status = broker.StatusCanceled
	return true, nil
}

func rejected(msg string) broker.OrderResult {
	return broker.OrderResult{Status: broker.StatusRejected, Error: msg}
}

var _ broker.Broker = (*Account)(nil)
