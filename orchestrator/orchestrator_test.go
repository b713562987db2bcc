package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/broker/paper"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/replication"
	"github.com/rustyeddy/copytrader/retry"
	"github.com/rustyeddy/copytrader/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	x    *paper.Exchange
	mon  *health.Monitor
	pool *broker.Pool
	j    *journal.Memory
	subs *replication.Subscriptions
	eng  *replication.Engine

	strategies map[broker.AccountRef]strategy.Strategy
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, RateLimitDelay: time.Millisecond}
}

func fastConfig() Config {
	return Config{
		CycleInterval:      10 * time.Millisecond,
		MinFunding:         d("10"),
		ShutdownTimeout:    2 * time.Second,
		CycleTimeout:       time.Second,
		ConnectParallelism: 2,
	}
}

func newTestEnv(t *testing.T, hc health.Config) *testEnv {
	t.Helper()
	e := &testEnv{
		x:          paper.NewExchange("paper", map[string]decimal.Decimal{"EUR_USD": d("100")}),
		mon:        health.NewMonitor(hc),
		pool:       broker.NewPool(),
		j:          journal.NewMemory(),
		subs:       replication.NewSubscriptions(),
		strategies: map[broker.AccountRef]strategy.Strategy{},
	}
	e.eng = replication.New(replication.DefaultConfig(), e.mon, e.pool, e.j, e.subs, replication.WithRetry(fastRetry()))
	return e
}

func (e *testEnv) open(t *testing.T, ref broker.AccountRef, balance string, s strategy.Strategy) *paper.Account {
	t.Helper()
	a, err := e.x.Open(ref.AccountID, d(balance), nil)
	require.NoError(t, err)
	e.pool.Add(ref, a)
	if s != nil {
		e.strategies[ref] = s
	}
	return a
}

func (e *testEnv) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	lookup := func(ref broker.AccountRef) (strategy.Strategy, error) {
		return e.strategies[ref], nil
	}
	opts = append([]Option{WithRetry(fastRetry())}, opts...)
	return New(cfg, e.mon, e.pool, e.j, e.eng, lookup, opts...)
}

func unitFor(o *Orchestrator, ref broker.AccountRef) (UnitStatus, bool) {
	for _, st := range o.Units() {
		if st.Ref == ref {
			return st, true
		}
	}
	return UnitStatus{}, false
}

func stopAfter(t *testing.T, o *Orchestrator) {
	t.Cleanup(func() { assert.NoError(t, o.Stop()) })
}

type panicStrategy struct{}

func (panicStrategy) Decide(context.Context, strategy.AccountState) (strategy.Decision, error) {
	panic("boom")
}

// blockingStrategy ignores ctx until release is closed.
type blockingStrategy struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStrategy) Decide(context.Context, strategy.AccountState) (strategy.Decision, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return strategy.HoldDecision("released"), nil
}

// countingStrategy returns decision and counts how often it was consulted.
type countingStrategy struct {
	calls    atomic.Int64
	decision strategy.Decision
}

func (c *countingStrategy) Decide(context.Context, strategy.AccountState) (strategy.Decision, error) {
	c.calls.Add(1)
	return c.decision, nil
}

func TestPlatformFillIsReplicatedToFollowers(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	plat := broker.Platform("main", "paper")
	alice := broker.User("alice", "paper")

	buy, err := strategy.NewOpenOnce("EUR_USD", d("5"))
	require.NoError(t, err)
	e.open(t, plat, "1000", buy)
	e.open(t, alice, "1000", strategy.Noop{})
	e.subs.Subscribe(replication.Subscription{Ref: alice, Enabled: true, CopyFromPlatform: true})

	o := e.orchestrator(fastConfig())
	started, err := o.Start(context.Background(), []broker.AccountRef{plat, alice})
	require.NoError(t, err)
	assert.Equal(t, []broker.AccountRef{plat, alice}, started)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		fills, err := e.j.ListFills(10)
		return err == nil && len(fills) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fills, err := e.j.ListFills(10)
	require.NoError(t, err)
	fill := fills[0]
	assert.Equal(t, "EUR_USD", fill.Symbol)
	assert.True(t, fill.FilledQuantity.Equal(d("5")))

	sum, err := journal.SummaryFor(e.j, fill.TradeID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Filled)

	platPos, err := e.j.ListPositions(plat)
	require.NoError(t, err)
	require.Len(t, platPos, 1)
	assert.Equal(t, fill.TradeID, platPos[0].TradeID)

	userPos, err := e.j.ListPositions(alice)
	require.NoError(t, err)
	require.Len(t, userPos, 1)

	require.Eventually(t, func() bool {
		st, ok := unitFor(o, alice)
		return ok && st.Mode == ModeFollower
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRejectedPlatformOrderIsNotReplicated(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	plat := broker.Platform("main", "paper")
	alice := broker.User("alice", "paper")

	// No price for this symbol, so the venue rejects the order.
	buy, err := strategy.NewOpenOnce("GBP_JPY", d("1"))
	require.NoError(t, err)
	e.open(t, plat, "1000", buy)
	e.open(t, alice, "1000", nil)
	e.subs.Subscribe(replication.Subscription{Ref: alice, Enabled: true, CopyFromPlatform: true})

	o := e.orchestrator(fastConfig())
	_, err = o.Start(context.Background(), []broker.AccountRef{plat})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		rec, ok := e.mon.StatusOf(plat)
		return ok && rec.LastFailureKind == health.ExecutionError
	}, 2*time.Second, 5*time.Millisecond)

	fills, err := e.j.ListFills(-1)
	require.NoError(t, err)
	assert.Empty(t, fills)
	pos, err := e.j.ListPositions(plat)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestFailingUnitDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	bad := broker.User("bad", "paper")
	good := broker.User("good", "paper")

	badAcct := e.open(t, bad, "1000", strategy.Noop{})
	e.open(t, good, "1000", strategy.Noop{})

	o := e.orchestrator(fastConfig())
	_, err := o.Start(context.Background(), []broker.AccountRef{bad, good})
	require.NoError(t, err)
	stopAfter(t, o)

	badAcct.FailNext(broker.OpBalance, broker.ErrAuth)

	require.Eventually(t, func() bool {
		rec, ok := e.mon.StatusOf(bad)
		return ok && rec.Status == health.StatusQuarantined
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := unitFor(o, good)
	before := st.Cycles
	require.Eventually(t, func() bool {
		st, _ := unitFor(o, good)
		return st.Cycles > before+3
	}, 2*time.Second, 5*time.Millisecond)

	rec, ok := e.mon.StatusOf(good)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, rec.Status)
	assert.Zero(t, rec.TotalFailures)

	badSt, ok := unitFor(o, bad)
	require.True(t, ok, "quarantined unit keeps running")
	assert.Equal(t, ModeBlocked, badSt.Mode)
	assert.False(t, badSt.Trading)
}

func TestUnitResumesAfterQuarantine(t *testing.T) {
	t.Parallel()

	hc := health.DefaultConfig()
	hc.Timeout = 40 * time.Millisecond
	hc.SuccessThreshold = 2
	e := newTestEnv(t, hc)
	ref := broker.User("flaky", "paper")
	acct := e.open(t, ref, "1000", strategy.Noop{})

	o := e.orchestrator(fastConfig())
	_, err := o.Start(context.Background(), []broker.AccountRef{ref})
	require.NoError(t, err)
	stopAfter(t, o)

	acct.FailNext(broker.OpPositions, broker.ErrAuth)

	require.Eventually(t, func() bool {
		rec, _ := e.mon.StatusOf(ref)
		return rec.Status == health.StatusQuarantined
	}, 2*time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, _ := e.mon.StatusOf(ref)
		return rec.Status == health.StatusHealthy && rec.Circuit == health.CircuitClosed
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := unitFor(o, ref)
	require.True(t, ok)
	assert.True(t, st.Trading)
}

func TestPanickingStrategyIsContained(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	ref := broker.Platform("main", "paper")
	e.open(t, ref, "1000", panicStrategy{})

	o := e.orchestrator(fastConfig())
	_, err := o.Start(context.Background(), []broker.AccountRef{ref})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		rec, _ := e.mon.StatusOf(ref)
		return rec.LastFailureKind == health.Unknown && rec.TotalFailures >= 1
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := unitFor(o, ref)
	require.True(t, ok)
	assert.Contains(t, st.LastError, "panic")
	assert.NotEqual(t, ModeStopped, st.Mode)
}

func TestFundingFloorSkipsEmptyAccounts(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	rich := broker.User("rich", "paper")
	poor := broker.User("poor", "paper")
	unknown := broker.User("unknown", "paper")

	e.open(t, rich, "1000", nil)
	e.open(t, poor, "5", nil)
	u := e.open(t, unknown, "0", nil)
	u.FailNext(broker.OpBalance, broker.ErrNetwork)

	o := e.orchestrator(fastConfig())
	started, err := o.Start(context.Background(), []broker.AccountRef{rich, poor, unknown})
	require.NoError(t, err)
	stopAfter(t, o)

	assert.Equal(t, []broker.AccountRef{rich, unknown}, started)
	_, ok := unitFor(o, poor)
	assert.False(t, ok)
}

func TestStartStaggersUnits(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	first := broker.User("first", "paper")
	second := broker.User("second", "paper")
	e.open(t, first, "1000", nil)
	e.open(t, second, "1000", nil)

	cfg := fastConfig()
	cfg.StaggerStep = time.Hour
	o := e.orchestrator(cfg)
	_, err := o.Start(context.Background(), []broker.AccountRef{first, second})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		st, _ := unitFor(o, first)
		return st.Cycles > 0
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := unitFor(o, second)
	require.True(t, ok)
	assert.Zero(t, st.Cycles)
}

func TestAddAndRemove(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	a := broker.User("a", "paper")
	b := broker.User("b", "paper")
	e.open(t, a, "1000", nil)
	e.open(t, b, "1000", nil)

	o := e.orchestrator(fastConfig())
	_, err := o.Start(context.Background(), []broker.AccountRef{a})
	require.NoError(t, err)
	stopAfter(t, o)

	require.NoError(t, o.Add(b))
	require.NoError(t, o.Add(b))
	assert.Len(t, o.Units(), 2)

	require.Eventually(t, func() bool {
		st, _ := unitFor(o, b)
		return st.Cycles > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Remove(b))
	_, ok := unitFor(o, b)
	assert.False(t, ok)

	st, _ := unitFor(o, a)
	before := st.Cycles
	require.Eventually(t, func() bool {
		st, _ := unitFor(o, a)
		return st.Cycles > before
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Remove(broker.User("missing", "paper")))
}

func TestStopInterruptsSleepingUnits(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	ref := broker.User("sleeper", "paper")
	e.open(t, ref, "1000", nil)

	cfg := fastConfig()
	cfg.CycleInterval = time.Hour
	o := e.orchestrator(cfg)
	_, err := o.Start(context.Background(), []broker.AccountRef{ref})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := unitFor(o, ref)
		return st.Cycles == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, o.Units())
}

func TestStopIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	ref := broker.Platform("main", "paper")
	stuck := &blockingStrategy{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e.open(t, ref, "1000", stuck)

	cfg := fastConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	o := e.orchestrator(cfg)
	_, err := o.Start(context.Background(), []broker.AccountRef{ref})
	require.NoError(t, err)
	defer close(stuck.release)

	select {
	case <-stuck.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("strategy was never consulted")
	}

	start := time.Now()
	err = o.Stop()
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Contains(t, err.Error(), ref.String())
	assert.Less(t, time.Since(start), time.Second)
}

func TestMetricsCountCycles(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	ref := broker.User("m", "paper")
	e.open(t, ref, "1000", nil)

	reg := prometheus.NewRegistry()
	o := e.orchestrator(fastConfig(), WithMetrics(NewMetrics(reg)))
	_, err := o.Start(context.Background(), []broker.AccountRef{ref})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, mf := range families {
			if mf.GetName() != "copytrader_unit_cycles_total" {
				continue
			}
			for _, m := range mf.GetMetric() {
				if m.GetCounter().GetValue() >= 2 {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopLetsInFlightOrderComplete(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	plat := broker.Platform("main", "paper")
	alice := broker.User("alice", "paper")

	buy, err := strategy.NewOpenOnce("EUR_USD", d("5"))
	require.NoError(t, err)
	acct := e.open(t, plat, "1000", buy)
	acct.SetLatency(100 * time.Millisecond)
	e.open(t, alice, "1000", nil)
	e.mon.Register(alice)
	e.subs.Subscribe(replication.Subscription{Ref: alice, Enabled: true, CopyFromPlatform: true})

	o := e.orchestrator(fastConfig())
	_, err = o.Start(context.Background(), []broker.AccountRef{plat})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return acct.Calls(broker.OpPlaceOrder) == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, o.Stop())

	orders := acct.Orders()
	require.Len(t, orders, 1, "the venue received the order")
	assert.Equal(t, broker.StatusFilled, orders[0].Status)

	fills, err := e.j.ListFills(-1)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	pos, err := e.j.ListPositions(plat)
	require.NoError(t, err)
	assert.Len(t, pos, 1)

	// Replication saw the stop before reaching the subscriber.
	sum, err := journal.SummaryFor(e.j, fills[0].TradeID)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Skipped)
	assert.Contains(t, sum.Records[0].Reason, "shutdown")

	rec, ok := e.mon.StatusOf(alice)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, rec.Status)
	assert.Zero(t, rec.TotalFailures)

	platRec, _ := e.mon.StatusOf(plat)
	assert.Zero(t, platRec.TotalFailures)
}

func TestFollowerStrategyIsNotConsulted(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	plat := broker.Platform("main", "paper")
	alice := broker.User("alice", "paper")

	buy, err := strategy.NewOpenOnce("EUR_USD", d("5"))
	require.NoError(t, err)
	e.open(t, plat, "1000", buy)
	own := &countingStrategy{decision: strategy.Decision{Action: strategy.Buy, Symbol: "EUR_USD", Size: d("1")}}
	acct := e.open(t, alice, "1000", own)
	_, err = e.pool.Ensure(context.Background(), alice)
	require.NoError(t, err)
	e.subs.Subscribe(replication.Subscription{Ref: alice, Enabled: true, CopyFromPlatform: true})

	o := e.orchestrator(fastConfig())
	_, err = o.Start(context.Background(), []broker.AccountRef{plat})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		fills, err := e.j.ListFills(-1)
		if err != nil || len(fills) != 1 {
			return false
		}
		sum, err := journal.SummaryFor(e.j, fills[0].TradeID)
		st, _ := unitFor(o, plat)
		return err == nil && sum.Filled == 1 && st.Trading
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Add(alice))
	require.Eventually(t, func() bool {
		st, _ := unitFor(o, alice)
		return st.Cycles >= 3
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := unitFor(o, alice)
	require.True(t, ok)
	assert.Equal(t, ModeFollower, st.Mode)
	assert.Zero(t, own.calls.Load())
	assert.Len(t, acct.Orders(), 1, "only the copy order")
}

func TestFollowerFallsBackWhenPlatformQuarantined(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, health.DefaultConfig())
	plat := broker.Platform("main", "paper")
	alice := broker.User("alice", "paper")

	platAcct := e.open(t, plat, "1000", strategy.Noop{})
	own := &countingStrategy{decision: strategy.HoldDecision("watching")}
	e.open(t, alice, "1000", own)

	o := e.orchestrator(fastConfig())
	_, err := o.Start(context.Background(), []broker.AccountRef{plat})
	require.NoError(t, err)
	stopAfter(t, o)

	require.Eventually(t, func() bool {
		st, _ := unitFor(o, plat)
		return st.Trading
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Add(alice))
	require.Eventually(t, func() bool {
		st, _ := unitFor(o, alice)
		return st.Mode == ModeFollower && st.Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, own.calls.Load())

	platAcct.FailNext(broker.OpBalance, broker.ErrAuth)
	require.Eventually(t, func() bool {
		rec, _ := e.mon.StatusOf(plat)
		return rec.Status == health.StatusQuarantined
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, _ := unitFor(o, alice)
		return own.calls.Load() > 0 && st.Mode == ModeStrategy
	}, 2*time.Second, 5*time.Millisecond)
}
