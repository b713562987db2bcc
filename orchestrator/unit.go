package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/strategy"
)

type Mode string

const (
	ModeStrategy Mode = "strategy" // independent evaluation
	ModeFollower Mode = "follower" // user unit fed by replication only
	ModeBlocked  Mode = "blocked"  // circuit open
	ModeStopped  Mode = "stopped"
)

// Unit is the execution unit for one AccountRef. Only its own goroutine
// touches the account; other goroutines read the atomics for reporting.
type Unit struct {
	ref      broker.AccountRef
	strategy strategy.Strategy
	cancel   context.CancelFunc
	done     chan struct{}

	stop      atomic.Bool
	cycles    atomic.Int64
	lastCycle atomic.Int64 // unix nanos
	trading   atomic.Bool  // last cycle completed without failure

	mu      sync.Mutex
	mode    Mode
	lastErr string
}

func newUnit(ref broker.AccountRef, s strategy.Strategy, cancel context.CancelFunc) *Unit {
	return &Unit{ref: ref, strategy: s, cancel: cancel, done: make(chan struct{}), mode: ModeStrategy}
}

func (u *Unit) Ref() broker.AccountRef { return u.ref }

// requestStop sets the cancellation flag and wakes the unit from its sleeps.
// Brokerage calls already in flight are left to finish.
func (u *Unit) requestStop() {
	u.stop.Store(true)
	u.cancel()
}

func (u *Unit) stopRequested() bool { return u.stop.Load() }

func (u *Unit) stopping(ctx context.Context) bool {
	return u.stop.Load() || ctx.Err() != nil
}

func (u *Unit) setMode(m Mode) {
	u.mu.Lock()
	u.mode = m
	u.mu.Unlock()
}

func (u *Unit) setErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		u.lastErr = ""
		return
	}
	u.lastErr = err.Error()
}

type UnitStatus struct {
	Ref       broker.AccountRef `json:"ref"`
	Mode      Mode              `json:"mode"`
	Cycles    int64             `json:"cycles"`
	LastCycle time.Time         `json:"last_cycle"`
	Trading   bool              `json:"trading"`
	LastError string            `json:"last_error,omitempty"`
}

func (u *Unit) Status() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := UnitStatus{
		Ref:       u.ref,
		Mode:      u.mode,
		Cycles:    u.cycles.Load(),
		Trading:   u.trading.Load(),
		LastError: u.lastErr,
	}
	if ns := u.lastCycle.Load(); ns != 0 {
		st.LastCycle = time.Unix(0, ns).UTC()
	}
	return st
}
