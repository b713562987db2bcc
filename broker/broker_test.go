package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct {
	connectErr error
	connects   atomic.Int32
	calls      atomic.Int32
}

func (s *stubBroker) Connect(ctx context.Context) error {
	s.connects.Add(1)
	return s.connectErr
}

func (s *stubBroker) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	s.calls.Add(1)
	return decimal.NewFromInt(100), nil
}

func (s *stubBroker) GetPositions(ctx context.Context) ([]Position, error) {
	s.calls.Add(1)
	return nil, nil
}

func (s *stubBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	s.calls.Add(1)
	return OrderResult{Status: StatusFilled, OrderID: "o-1", FilledQuantity: req.Size}, nil
}

func (s *stubBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s.calls.Add(1)
	return true, nil
}

func TestOrderStatusConfirmed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    OrderStatus
		confirmed bool
	}{
		{StatusFilled, true},
		{StatusPartiallyFilled, true},
		{StatusPending, false},
		{StatusSubmitted, false},
		{StatusCanceled, false},
		{StatusRejected, false},
		{StatusUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.confirmed, tt.status.Confirmed())
		})
	}
}

func TestAccountRefString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PLATFORM:main@paper", Platform("main", "paper").String())
	assert.Equal(t, "USER:alice@oanda", User("alice", "oanda").String())
	assert.True(t, Platform("main", "paper").IsPlatform())
	assert.False(t, User("alice", "paper").IsPlatform())
}

func TestWrapKeepsExistingOpError(t *testing.T) {
	t.Parallel()

	inner := &OpError{Op: OpBalance, Broker: "paper", Err: ErrNetwork}
	wrapped := Wrap(OpPlaceOrder, "other", inner)

	var oe *OpError
	require.ErrorAs(t, wrapped, &oe)
	assert.Equal(t, OpBalance, oe.Op)
	assert.ErrorIs(t, wrapped, ErrNetwork)

	assert.Nil(t, Wrap(OpBalance, "paper", nil))

	plain := Wrap(OpPositions, "paper", errors.New("boom"))
	require.ErrorAs(t, plain, &oe)
	assert.Equal(t, OpPositions, oe.Op)
	assert.Equal(t, "paper get_positions: boom", plain.Error())
}

func TestPoolGetRequiresConnect(t *testing.T) {
	t.Parallel()

	p := NewPool()
	ref := User("alice", "paper")
	stub := &stubBroker{}
	p.Add(ref, stub)

	_, ok := p.Get(ref)
	assert.False(t, ok, "capability must not be handed out before Connect")

	b, err := p.Ensure(context.Background(), ref)
	require.NoError(t, err)
	assert.Same(t, stub, b)

	_, ok = p.Get(ref)
	assert.True(t, ok)

	// A second Ensure reuses the connection.
	_, err = p.Ensure(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.connects.Load())

	p.Disconnect(ref)
	assert.False(t, p.Connected(ref))
}

func TestPoolEnsureUnknownRef(t *testing.T) {
	t.Parallel()

	p := NewPool()
	_, err := p.Ensure(context.Background(), User("ghost", "paper"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPoolConnectAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	p := NewPool()
	good := User("good", "paper")
	bad := User("bad", "paper")
	p.Add(good, &stubBroker{})
	p.Add(bad, &stubBroker{connectErr: ErrAuth})

	results := make(chan error, 2)
	p.ConnectAll(context.Background(), 2, func(ref AccountRef, err error) {
		if ref == bad {
			results <- err
		}
	})
	close(results)

	err := <-results
	assert.ErrorIs(t, err, ErrAuth)
	assert.True(t, p.Connected(good))
	assert.False(t, p.Connected(bad))
	assert.Equal(t, []AccountRef{good, bad}, p.Refs())
}

func TestRateLimitedPassesThrough(t *testing.T) {
	t.Parallel()

	stub := &stubBroker{}
	rl := NewRateLimited(stub, "paper", 1000, 10)

	bal, err := rl.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)))

	res, err := rl.PlaceOrder(context.Background(), OrderRequest{Symbol: "EUR_USD", Side: SideBuy, Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestRateLimitedCancelledWait(t *testing.T) {
	t.Parallel()

	stub := &stubBroker{}
	rl := NewRateLimited(stub, "paper", 0.001, 1)

	// Drain the single burst token.
	_, err := rl.GetBalance(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = rl.GetPositions(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestSharedLimiterSpansAccounts(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0.001, 1)
	a := NewSharedRateLimited(&stubBroker{}, "paper", l)
	b := NewSharedRateLimited(&stubBroker{}, "paper", l)

	_, err := a.GetBalance(context.Background())
	require.NoError(t, err)

	// The bucket is empty for the second account too.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.GetBalance(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
}
