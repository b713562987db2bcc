// Package orchestrator runs one execution unit per active account. Units
// never share account state; the health monitor is the only thing that can
// pause one, and the replication engine the only path from platform to users.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/replication"
	"github.com/rustyeddy/copytrader/retry"
	"github.com/rustyeddy/copytrader/strategy"
)

var ErrStopTimeout = errors.New("units did not stop before the shutdown timeout")

type Config struct {
	CycleInterval   time.Duration
	StaggerStep     time.Duration
	MinFunding      decimal.Decimal
	ShutdownTimeout time.Duration
	CycleTimeout    time.Duration
	// ConnectParallelism bounds concurrent Connect calls at startup.
	ConnectParallelism int
}

func DefaultConfig() Config {
	return Config{
		CycleInterval:      time.Minute,
		StaggerStep:        2 * time.Second,
		MinFunding:         decimal.NewFromInt(10),
		ShutdownTimeout:    30 * time.Second,
		CycleTimeout:       2 * time.Minute,
		ConnectParallelism: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CycleInterval <= 0 {
		c.CycleInterval = d.CycleInterval
	}
	if c.StaggerStep < 0 {
		c.StaggerStep = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = d.CycleTimeout
	}
	if c.ConnectParallelism <= 0 {
		c.ConnectParallelism = d.ConnectParallelism
	}
	return c
}

// StrategyFor returns the strategy a unit evaluates. A nil strategy means the
// unit only performs health upkeep.
type StrategyFor func(ref broker.AccountRef) (strategy.Strategy, error)

type Orchestrator struct {
	cfg        Config
	monitor    *health.Monitor
	pool       *broker.Pool
	journal    journal.Journal
	engine     *replication.Engine
	strategies StrategyFor
	retry      retry.Policy
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time

	mu    sync.Mutex
	base  context.Context
	units map[broker.AccountRef]*Unit
	order []broker.AccountRef
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithRetry(p retry.Policy) Option       { return func(o *Orchestrator) { o.retry = p } }
func WithMetrics(m *Metrics) Option         { return func(o *Orchestrator) { o.metrics = m } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg Config, monitor *health.Monitor, pool *broker.Pool, j journal.Journal, engine *replication.Engine, strategies StrategyFor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		monitor:    monitor,
		pool:       pool,
		journal:    j,
		engine:     engine,
		strategies: strategies,
		retry:      retry.DefaultPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
		units:      make(map[broker.AccountRef]*Unit),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start connects every ref, drops accounts whose known balance is below the
// funding floor and spawns one unit per remaining ref with staggered start
// times. It returns the refs that were started.
func (o *Orchestrator) Start(ctx context.Context, refs []broker.AccountRef) ([]broker.AccountRef, error) {
	o.mu.Lock()
	if o.base == nil {
		o.base = context.WithoutCancel(ctx)
	}
	o.mu.Unlock()

	for _, ref := range refs {
		o.monitor.Register(ref)
	}

	o.pool.ConnectAll(ctx, o.cfg.ConnectParallelism, func(ref broker.AccountRef, err error) {
		if !contains(refs, ref) {
			return
		}
		if err != nil {
			o.monitor.RecordFailure(ref, health.Classify(broker.OpConnect, err), err)
			o.logger.Warn("connect failed", refAttrs(ref, slog.Any("error", err))...)
		}
	})

	funded := make([]bool, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ConnectParallelism)
	for i, ref := range refs {
		g.Go(func() error {
			funded[i] = o.funded(gctx, ref)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var started []broker.AccountRef
	for i, ref := range refs {
		if !funded[i] {
			continue
		}
		delay := time.Duration(len(started)) * o.cfg.StaggerStep
		if err := o.spawn(ref, delay); err != nil {
			o.logger.Error("unit not started", refAttrs(ref, slog.Any("error", err))...)
			continue
		}
		started = append(started, ref)
	}
	o.logger.Info("orchestrator started", slog.Int("units", len(started)), slog.Int("configured", len(refs)))
	return started, nil
}

// funded is false only when the balance is known and below the floor. An
// account that cannot be reached yet is started and left to the monitor.
func (o *Orchestrator) funded(ctx context.Context, ref broker.AccountRef) bool {
	if !o.cfg.MinFunding.IsPositive() {
		return true
	}
	b, ok := o.pool.Get(ref)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
	defer cancel()
	bal, err := b.GetBalance(ctx)
	if err != nil {
		o.monitor.RecordFailure(ref, health.Classify(broker.OpBalance, err), err)
		return true
	}
	if bal.LessThan(o.cfg.MinFunding) {
		o.logger.Warn("account below funding floor, not started",
			refAttrs(ref, slog.String("balance", bal.String()), slog.String("floor", o.cfg.MinFunding.String()))...)
		return false
	}
	return true
}

// Add starts a unit for ref immediately. It is a no-op for a running ref.
func (o *Orchestrator) Add(ref broker.AccountRef) error {
	o.monitor.Register(ref)
	return o.spawn(ref, 0)
}

func (o *Orchestrator) spawn(ref broker.AccountRef, delay time.Duration) error {
	var s strategy.Strategy
	if o.strategies != nil {
		var err error
		if s, err = o.strategies(ref); err != nil {
			return fmt.Errorf("strategy for %s: %w", ref, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.units[ref]; ok {
		return nil
	}
	if o.base == nil {
		o.base = context.Background()
	}
	ctx, cancel := context.WithCancel(o.base)
	u := newUnit(ref, s, cancel)
	o.units[ref] = u
	o.order = append(o.order, ref)

	go o.run(ctx, u, delay)
	return nil
}

// Remove stops and joins the unit for ref, waiting at most the shutdown
// timeout. Other units are not touched.
func (o *Orchestrator) Remove(ref broker.AccountRef) error {
	o.mu.Lock()
	u, ok := o.units[ref]
	if ok {
		delete(o.units, ref)
		o.order = removeRef(o.order, ref)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return o.join([]*Unit{u})
}

// Stop sets every unit's cancellation flag and joins them all within the
// shutdown timeout.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	units := make([]*Unit, 0, len(o.order))
	for _, ref := range o.order {
		units = append(units, o.units[ref])
	}
	o.units = make(map[broker.AccountRef]*Unit)
	o.order = nil
	o.mu.Unlock()

	err := o.join(units)
	o.logger.Info("orchestrator stopped", slog.Int("units", len(units)), slog.Any("error", err))
	return err
}

func (o *Orchestrator) join(units []*Unit) error {
	for _, u := range units {
		u.requestStop()
	}

	timer := time.NewTimer(o.cfg.ShutdownTimeout)
	defer timer.Stop()

	var stuck []string
	for _, u := range units {
		select {
		case <-u.done:
		case <-timer.C:
			// Timer fired; drain the rest without waiting.
			for _, rest := range units {
				select {
				case <-rest.done:
				default:
					stuck = append(stuck, rest.ref.String())
				}
			}
			return fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(stuck, ", "))
		}
	}
	return nil
}

// Run starts the refs and blocks until ctx is done, then stops every unit.
func (o *Orchestrator) Run(ctx context.Context, refs []broker.AccountRef) error {
	if _, err := o.Start(ctx, refs); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Stop()
}

// Units reports every running unit in start order.
func (o *Orchestrator) Units() []UnitStatus {
	o.mu.Lock()
	units := make([]*Unit, 0, len(o.order))
	for _, ref := range o.order {
		units = append(units, o.units[ref])
	}
	o.mu.Unlock()

	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, u.Status())
	}
	return out
}

// platformTrading reports whether a platform unit for brokerID is running,
// completed its last cycle and has a closed circuit.
func (o *Orchestrator) platformTrading(brokerID string) bool {
	o.mu.Lock()
	var plat []*Unit
	for ref, u := range o.units {
		if ref.IsPlatform() && ref.BrokerID == brokerID {
			plat = append(plat, u)
		}
	}
	o.mu.Unlock()

	for _, u := range plat {
		if u.stop.Load() || !u.trading.Load() {
			continue
		}
		rec, ok := o.monitor.StatusOf(u.ref)
		if ok && rec.Circuit == health.CircuitClosed {
			return true
		}
	}
	return false
}

func contains(refs []broker.AccountRef, ref broker.AccountRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func removeRef(refs []broker.AccountRef, ref broker.AccountRef) []broker.AccountRef {
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}

func refAttrs(ref broker.AccountRef, extra ...any) []any {
	return append([]any{
		slog.String("kind", string(ref.Kind)),
		slog.String("account", ref.AccountID),
		slog.String("broker", ref.BrokerID),
	}, extra...)
}
