package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		RateLimitDelay: 2 * time.Millisecond,
	}
}

type bumper struct{ calls int }

func (b *bumper) Bump(time.Duration) int64 { b.calls++; return int64(b.calls) }

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), broker.OpBalance, func(context.Context) error {
		calls++
		if calls < 3 {
			return broker.ErrNetwork
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), broker.OpPositions, func(context.Context) error {
		calls++
		return broker.ErrRateLimited
	})
	require.ErrorIs(t, err, broker.ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestDoNeverRetriesAuth(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), broker.OpBalance, func(context.Context) error {
		calls++
		return broker.ErrAuth
	})
	require.ErrorIs(t, err, broker.ErrAuth)
	assert.Equal(t, 1, calls)
}

func TestPlaceOrderRetriesOnlyRateLimit(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), broker.OpPlaceOrder, func(context.Context) error {
		calls++
		return broker.ErrNetwork
	})
	require.ErrorIs(t, err, broker.ErrNetwork)
	assert.Equal(t, 1, calls, "a lost order submission is not resent")

	calls = 0
	err = Do(context.Background(), fastPolicy(), broker.OpPlaceOrder, func(context.Context) error {
		calls++
		if calls == 1 {
			return broker.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestStaleNonceBumpsOnce(t *testing.T) {
	t.Parallel()

	b := &bumper{}
	p := fastPolicy()
	p.Nonce = b

	calls := 0
	err := Do(context.Background(), p, broker.OpPlaceOrder, func(context.Context) error {
		calls++
		if calls == 1 {
			return broker.ErrStaleNonce
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, b.calls)

	calls = 0
	err = Do(context.Background(), p, broker.OpPlaceOrder, func(context.Context) error {
		calls++
		return broker.ErrStaleNonce
	})
	require.ErrorIs(t, err, broker.ErrStaleNonce)
	assert.Equal(t, 2, calls, "one bump, then give up")
	assert.Equal(t, 2, b.calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	calls := 0
	err := Do(ctx, p, broker.OpBalance, func(context.Context) error {
		calls++
		cancel()
		return broker.ErrNetwork
	})
	require.ErrorIs(t, err, broker.ErrNetwork)
	assert.Equal(t, 1, calls)
}

func TestCallReturnsValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := Call(context.Background(), fastPolicy(), broker.OpBalance, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, broker.ErrTimeout
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 60 * time.Second, RateLimitDelay: 5 * time.Second}
	tests := []struct {
		kind    health.FailureKind
		attempt int
		want    time.Duration
	}{
		{health.NetworkError, 0, time.Second},
		{health.NetworkError, 1, 2 * time.Second},
		{health.NetworkError, 3, 8 * time.Second},
		{health.NetworkError, 10, 60 * time.Second},
		{health.NetworkError, 64, 60 * time.Second},
		{health.RateLimit, 0, 5 * time.Second},
		{health.RateLimit, 2, 20 * time.Second},
		{health.RateLimit, -1, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.kind, tt.attempt), "%s #%d", tt.kind, tt.attempt)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
