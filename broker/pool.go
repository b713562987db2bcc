package broker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool holds one capability per AccountRef and remembers which ones have
// connected. Each entry has its own lock so a slow Connect on one account
// never blocks lookups for another.
type Pool struct {
	mu      sync.RWMutex
	entries map[AccountRef]*poolEntry
	order   []AccountRef
}

type poolEntry struct {
	mu        sync.Mutex
	b         Broker
	connected bool
}

func NewPool() *Pool {
	return &Pool{entries: make(map[AccountRef]*poolEntry)}
}

// Add registers the capability for ref, replacing any previous one.
func (p *Pool) Add(ref AccountRef, b Broker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[ref]; !ok {
		p.order = append(p.order, ref)
	}
	p.entries[ref] = &poolEntry{b: b}
}

func (p *Pool) entry(ref AccountRef) (*poolEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[ref]
	return e, ok
}

// Get returns the capability for ref only if it is connected.
func (p *Pool) Get(ref AccountRef) (Broker, bool) {
	e, ok := p.entry(ref)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, false
	}
	return e.b, true
}

// Connected reports whether ref has a connected capability.
func (p *Pool) Connected(ref AccountRef) bool {
	_, ok := p.Get(ref)
	return ok
}

// Ensure returns a connected capability for ref, connecting it first if needed.
func (p *Pool) Ensure(ctx context.Context, ref AccountRef) (Broker, error) {
	e, ok := p.entry(ref)
	if !ok {
		return nil, &OpError{Op: OpConnect, Broker: ref.BrokerID, Err: fmt.Errorf("%w: no capability for %s", ErrNotConnected, ref)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return e.b, nil
	}
	if err := e.b.Connect(ctx); err != nil {
		return nil, Wrap(OpConnect, ref.BrokerID, err)
	}
	e.connected = true
	return e.b, nil
}

// Disconnect marks ref as not connected; the next Ensure reconnects it.
func (p *Pool) Disconnect(ref AccountRef) {
	if e, ok := p.entry(ref); ok {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
	}
}

// Refs lists registered accounts in registration order.
func (p *Pool) Refs() []AccountRef {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AccountRef, len(p.order))
	copy(out, p.order)
	return out
}

// ConnectAll connects every registered capability in parallel. A failure
// on one account is handed to report and never stops the others.
func (p *Pool) ConnectAll(ctx context.Context, limit int, report func(ref AccountRef, err error)) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, ref := range p.Refs() {
		g.Go(func() error {
			_, err := p.Ensure(ctx, ref)
			if report != nil {
				report(ref, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
