// Package sequence issues strictly increasing, restart-safe request
// identifiers for brokerage APIs that reject reused or out-of-order values.
package sequence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RecoveryJump is the forward jump used when a venue rejects a value as stale.
const RecoveryJump = 60 * time.Second

// Store persists the last issued value.
type Store interface {
	Load() (int64, error) // 0 when nothing was persisted
	Save(v int64) error
}

// Generator issues values derived from wall-clock microseconds, never
// smaller than last+1. Read, compute, persist and return happen under one lock.
type Generator struct {
	mu     sync.Mutex
	last   int64
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

func WithLogger(l *slog.Logger) Option { return func(g *Generator) { g.logger = l } }

// New loads the persisted value from store.
func New(store Store, opts ...Option) (*Generator, error) {
	g := &Generator{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	last, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	g.last = last
	return g, nil
}

// Next returns a value greater than every value returned before, including
// values persisted by a previous process.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commitLocked(g.candidateLocked())
}

// Bump forces a forward jump of at least d and returns the new value. Callers
// use it after a venue rejects a value as stale.
func (g *Generator) Bump(d time.Duration) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.commitLocked(g.candidateLocked() + d.Microseconds())
	g.logger.Warn("sequence bumped forward",
		slog.Int64("value", v),
		slog.Duration("jump", d))
	return v
}

// Last returns the most recently issued value.
func (g *Generator) Last() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Generator) candidateLocked() int64 {
	return max(g.now().UnixMicro(), g.last+1)
}

// commitLocked persists v before handing it out. A failed write still hands
// out the clock-derived value so callers are never blocked by storage.
func (g *Generator) commitLocked(v int64) int64 {
	if err := g.store.Save(v); err != nil {
		g.logger.Error("sequence persist failed, using clock-derived value",
			slog.Int64("value", v),
			slog.Any("error", err))
	}
	g.last = v
	return v
}
