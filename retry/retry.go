// Package retry wraps brokerage calls with a FailureKind-aware policy shared by
// the orchestrator and the replication engine.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/sequence"
)

// Bumper forces the request sequence forward after a stale-value rejection.
type Bumper interface {
	Bump(d time.Duration) int64
}

type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration

	// Nonce is bumped by NonceJump once per call when the venue reports a
	// stale request identifier. Nil disables the recovery.
	Nonce     Bumper
	NonceJump time.Duration

	Logger *slog.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		RateLimitDelay: 2 * time.Second,
		NonceJump:      sequence.RecoveryJump,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.RateLimitDelay <= 0 {
		p.RateLimitDelay = d.RateLimitDelay
	}
	if p.NonceJump <= 0 {
		p.NonceJump = d.NonceJump
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Retryable reports whether a failure of kind on op may be attempted again.
// An order submission that failed in transport may already be live at the
// venue, so only rate-limit rejections are retried for place_order.
func Retryable(op broker.Op, kind health.FailureKind) bool {
	if op == broker.OpPlaceOrder {
		return kind == health.RateLimit
	}
	return kind.Transient()
}

// Backoff returns the delay before retry number attempt (0-based): the base
// for kind doubled per attempt, capped at MaxDelay.
func (p Policy) Backoff(kind health.FailureKind, attempt int) time.Duration {
	p = p.withDefaults()
	base := p.BaseDelay
	if kind == health.RateLimit {
		base = p.RateLimitDelay
	}
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := base * time.Duration(1<<attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the error is not retryable, attempts run out
// or ctx is done. The last error from fn is returned unwrapped so callers can
// classify it.
func Do(ctx context.Context, p Policy, op broker.Op, fn func(context.Context) error) error {
	p = p.withDefaults()

	bumped := false
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, broker.ErrStaleNonce) && p.Nonce != nil && !bumped {
			bumped = true
			v := p.Nonce.Bump(p.NonceJump)
			p.Logger.Warn("stale request identifier, retrying after bump",
				slog.String("op", string(op)),
				slog.Int64("sequence", v))
			attempt--
			continue
		}

		kind := health.Classify(op, err)
		if !Retryable(op, kind) || attempt >= p.MaxAttempts {
			return err
		}

		delay := p.Backoff(kind, attempt-1)
		p.Logger.Debug("retrying",
			slog.String("op", string(op)),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := Sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p Policy, op broker.Op, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
