package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RateLimited waits on a token bucket before every call to the wrapped
// capability.
type RateLimited struct {
	next    Broker
	limiter *rate.Limiter
	name    string
}

func NewRateLimited(next Broker, brokerID string, perSecond float64, burst int) *RateLimited {
	return NewSharedRateLimited(next, brokerID, NewLimiter(perSecond, burst))
}

// NewSharedRateLimited wraps next with an existing limiter, so every account
// on one venue draws from the same bucket.
func NewSharedRateLimited(next Broker, brokerID string, l *rate.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: l, name: brokerID}
}

func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// SizeIncrement forwards to the wrapped capability without spending a token.
func (r *RateLimited) SizeIncrement(symbol string) decimal.Decimal {
	return SizeIncrement(r.next, symbol)
}

func (r *RateLimited) wait(ctx context.Context, op Op) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return &OpError{Op: op, Broker: r.name, Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
	}
	return nil
}

func (r *RateLimited) Connect(ctx context.Context) error {
	if err := r.wait(ctx, OpConnect); err != nil {
		return err
	}
	return r.next.Connect(ctx)
}

func (r *RateLimited) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := r.wait(ctx, OpBalance); err != nil {
		return decimal.Zero, err
	}
	return r.next.GetBalance(ctx)
}

func (r *RateLimited) GetPositions(ctx context.Context) ([]Position, error) {
	if err := r.wait(ctx, OpPositions); err != nil {
		return nil, err
	}
	return r.next.GetPositions(ctx)
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := r.wait(ctx, OpPlaceOrder); err != nil {
		return OrderResult{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := r.wait(ctx, OpCancelOrder); err != nil {
		return false, err
	}
	return r.next.CancelOrder(ctx, orderID)
}
