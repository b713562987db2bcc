// Package replication copies confirmed platform fills to subscribing user
// accounts, proportionally scaled, and records one copy execution record per
// fill and subscriber.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/retry"
	"github.com/rustyeddy/copytrader/risk"
)

var (
	ErrUnconfirmedFill = errors.New("master fill is not confirmed")
	ErrInFlight        = errors.New("master fill is already being replicated")
)

type Config struct {
	MaxRiskFraction decimal.Decimal
	DustThreshold   decimal.Decimal
	// OrderTimeout bounds each subscriber's balance fetch and order submission.
	OrderTimeout time.Duration
}

func DefaultConfig() Config {
	p := risk.DefaultPolicy()
	return Config{
		MaxRiskFraction: p.MaxRiskFraction,
		DustThreshold:   p.DustThreshold,
		OrderTimeout:    30 * time.Second,
	}
}

func (c Config) policy() risk.Policy {
	return risk.Policy{MaxRiskFraction: c.MaxRiskFraction, DustThreshold: c.DustThreshold}
}

type Engine struct {
	cfg     Config
	monitor *health.Monitor
	pool    *broker.Pool
	journal journal.Journal
	subs    *Subscriptions
	retry   retry.Policy
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *Metrics) Option         { return func(e *Engine) { e.metrics = m } }
func WithRetry(p retry.Policy) Option       { return func(e *Engine) { e.retry = p } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, monitor *health.Monitor, pool *broker.Pool, j journal.Journal, subs *Subscriptions, opts ...Option) *Engine {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig().OrderTimeout
	}
	e := &Engine{
		cfg:      cfg,
		monitor:  monitor,
		pool:     pool,
		journal:  j,
		subs:     subs,
		retry:    retry.DefaultPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Subscriptions() *Subscriptions { return e.subs }

// Replicate copies fill to every active subscriber of its broker, in
// registration order. Subscribers whose latest record for this trade is
// FILLED or unresolved are left alone, so replaying a fill never submits a
// second copy.
//
// Cancelling ctx stops the fan-out between subscribers: a subscriber whose
// step has started finishes it on a detached context bounded by
// OrderTimeout, and the rest get a SKIPPED record without touching their
// health. Per-subscriber failures are recorded, never returned; the error is
// non-nil only when the fill is invalid or records could not be persisted.
func (e *Engine) Replicate(ctx context.Context, fill journal.MasterFill) (journal.Summary, error) {
	if !fill.Status.Confirmed() || !fill.FilledQuantity.IsPositive() {
		return journal.Summary{MasterTradeID: fill.TradeID}, fmt.Errorf("%w: %s status %s", ErrUnconfirmedFill, fill.TradeID, fill.Status)
	}
	if !e.begin(fill.TradeID) {
		return journal.Summary{MasterTradeID: fill.TradeID}, fmt.Errorf("%w: %s", ErrInFlight, fill.TradeID)
	}
	defer e.end(fill.TradeID)

	start := e.now()
	log := e.logger.With(slog.String("trade_id", fill.TradeID), slog.String("broker", fill.BrokerID))

	if err := e.journal.RecordFill(fill); err != nil {
		return journal.Summary{MasterTradeID: fill.TradeID}, fmt.Errorf("record master fill: %w", err)
	}

	platform := &platformBalance{e: e, ref: broker.Platform(fill.AccountID, fill.BrokerID)}

	var errs []error
	for _, ref := range e.subs.For(fill.BrokerID) {
		prev, found, err := e.journal.FindCopy(fill.TradeID, ref.AccountID)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup copy for %s: %w", ref, err))
			continue
		}
		if found && prev.Outcome == journal.OutcomeFilled {
			log.Debug("already replicated", slog.String("user", ref.AccountID))
			continue
		}
		if found && prev.Unresolved {
			log.Warn("copy order unresolved, not resubmitting",
				slog.String("user", ref.AccountID),
				slog.String("order_id", prev.UserOrderID))
			continue
		}

		var rec journal.CopyExecutionRecord
		if err := ctx.Err(); err != nil {
			rec = journal.CopyExecutionRecord{
				MasterTradeID: fill.TradeID,
				UserID:        ref.AccountID,
				BrokerID:      ref.BrokerID,
				Outcome:       journal.OutcomeSkipped,
				Reason:        "shutdown: " + err.Error(),
			}
		} else {
			rec = e.replicateOne(ctx, fill, ref, platform)
		}
		if err := e.journal.RecordCopy(&rec); err != nil {
			errs = append(errs, fmt.Errorf("record copy for %s: %w", ref, err))
			continue
		}
		e.metrics.outcome(fill.BrokerID, rec.Outcome)
		e.logOutcome(log, rec)
	}

	e.metrics.observe(fill.BrokerID, e.now().Sub(start))

	sum, err := journal.SummaryFor(e.journal, fill.TradeID)
	if err != nil {
		errs = append(errs, err)
	}
	log.Info("replication complete",
		slog.Int("filled", sum.Filled),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed))
	return sum, errors.Join(errs...)
}

func (e *Engine) begin(tradeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[tradeID]; ok {
		return false
	}
	e.inflight[tradeID] = struct{}{}
	return true
}

func (e *Engine) end(tradeID string) {
	e.mu.Lock()
	delete(e.inflight, tradeID)
	e.mu.Unlock()
}

// platformBalance fetches the platform balance at most once per fill.
type platformBalance struct {
	e   *Engine
	ref broker.AccountRef

	done bool
	bal  decimal.Decimal
	err  error
}

func (p *platformBalance) get(ctx context.Context) (decimal.Decimal, error) {
	if p.done {
		return p.bal, p.err
	}
	p.done = true

	b, ok := p.e.pool.Get(p.ref)
	if !ok {
		p.err = fmt.Errorf("platform account %s: %w", p.ref, broker.ErrNotConnected)
		return p.bal, p.err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.e.cfg.OrderTimeout)
	defer cancel()
	p.bal, p.err = retry.Call(ctx, p.e.retry, broker.OpBalance, b.GetBalance)
	if p.err != nil {
		p.e.monitor.RecordFailure(p.ref, health.Classify(broker.OpBalance, p.err), p.err)
	}
	return p.bal, p.err
}

// replicateOne runs steps a through g for one subscriber and returns the
// record to persist. It never panics and never returns without a record.
func (e *Engine) replicateOne(ctx context.Context, fill journal.MasterFill, ref broker.AccountRef, platform *platformBalance) (rec journal.CopyExecutionRecord) {
	rec = journal.CopyExecutionRecord{
		MasterTradeID: fill.TradeID,
		UserID:        ref.AccountID,
		BrokerID:      ref.BrokerID,
	}
	start := e.now()

	probe := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			e.monitor.RecordFailure(ref, health.Unknown, err)
			rec.Outcome = journal.OutcomeFailed
			rec.UserError = err.Error()
			rec.FailureKind = string(health.Unknown)
			rec.UserOrderID = ""
		}
	}()

	skip := func(reason string) journal.CopyExecutionRecord {
		if probe {
			e.monitor.Release(ref)
		}
		rec.Outcome = journal.OutcomeSkipped
		rec.Reason = reason
		return rec
	}
	fail := func(op broker.Op, err error) journal.CopyExecutionRecord {
		kind := health.Classify(op, err)
		e.monitor.RecordFailure(ref, kind, err)
		rec.Outcome = journal.OutcomeFailed
		rec.UserError = err.Error()
		rec.FailureKind = string(kind)
		return rec
	}

	// a. health gate
	ok, reason := e.monitor.CanExecute(ref)
	if !ok {
		return skip("account not executable: " + reason)
	}
	probe = true

	// b. capability
	b, ok := e.pool.Get(ref)
	if !ok {
		return skip(fmt.Sprintf("no connected capability for broker %s", ref.BrokerID))
	}

	// c. balances
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()

	userBal, err := retry.Call(cctx, e.retry, broker.OpBalance, b.GetBalance)
	if err != nil {
		return fail(broker.OpBalance, err)
	}
	platBal, err := platform.get(ctx)
	if err != nil {
		// Not the subscriber's fault; its health is left untouched.
		e.monitor.Release(ref)
		rec.Outcome = journal.OutcomeFailed
		rec.UserError = "platform balance unavailable: " + err.Error()
		rec.FailureKind = string(health.Classify(broker.OpBalance, err))
		return rec
	}

	// d. size, clamp, dust
	sized, err := risk.SizeCopy(e.cfg.policy(), risk.Inputs{
		MasterQuantity:  fill.FilledQuantity,
		Price:           fill.FilledPrice,
		UserBalance:     userBal,
		PlatformBalance: platBal,
		Increment:       broker.SizeIncrement(b, fill.Symbol),
	})
	if err != nil {
		e.monitor.RecordSuccess(ref, e.now().Sub(start))
		rec.Outcome = journal.OutcomeSkipped
		rec.Reason = "cannot size copy: " + err.Error()
		return rec
	}
	rec.UserSize = sized.Size
	if sized.Dust {
		e.monitor.RecordSuccess(ref, e.now().Sub(start))
		rec.Outcome = journal.OutcomeSkipped
		rec.Reason = sized.Reason
		return rec
	}

	// e. submit
	req := broker.OrderRequest{Symbol: fill.Symbol, Side: fill.Side, Size: sized.Size}
	var res broker.OrderResult
	err = retry.Do(cctx, e.retry, broker.OpPlaceOrder, func(ctx context.Context) error {
		var err error
		res, err = b.PlaceOrder(ctx, req)
		return err
	})
	rec.UserOrderID = res.OrderID

	// g. error
	if err != nil {
		rec = fail(broker.OpPlaceOrder, err)
		rec.Unresolved = mayBeLive(err)
		return rec
	}

	// f. confirmed
	if res.Status.Confirmed() {
		pos := &journal.PositionEntry{
			Account:  ref,
			TradeID:  fill.TradeID,
			OrderID:  res.OrderID,
			Symbol:   fill.Symbol,
			Side:     fill.Side,
			Quantity: res.FilledQuantity,
			Price:    res.FilledPrice,
			Status:   res.Status,
		}
		if err := e.journal.RecordPosition(pos); err != nil {
			e.logger.Error("position ledger write failed",
				slog.String("user", ref.AccountID),
				slog.String("trade_id", fill.TradeID),
				slog.Any("error", err))
		}
		e.monitor.RecordSuccess(ref, e.now().Sub(start))
		rec.Outcome = journal.OutcomeFilled
		rec.UserSize = res.FilledQuantity
		rec.Reason = sized.Reason
		if res.Status == broker.StatusPartiallyFilled {
			rec.Reason = joinReason(rec.Reason, fmt.Sprintf("partial fill %s of %s", res.FilledQuantity, sized.Size))
		}
		return rec
	}

	// g. rejected, canceled or never confirmed
	detail := res.Error
	if res.Status.Open() {
		detail = joinReason("order not confirmed: "+string(res.Status), detail)
		if !e.cancelUnconfirmed(ctx, b, ref, res.OrderID) {
			detail = joinReason(detail, "cancel not confirmed")
			rec.Unresolved = true
		}
	} else {
		detail = joinReason("order "+string(res.Status), detail)
	}
	unresolved := rec.Unresolved
	rec = fail(broker.OpPlaceOrder, &broker.OpError{Op: broker.OpPlaceOrder, Broker: ref.BrokerID, Err: fmt.Errorf("%w: %s", broker.ErrRejected, detail)})
	rec.Unresolved = unresolved
	return rec
}

// mayBeLive reports whether a failed submission could still have reached the
// venue. Only errors raised before anything was sent rule that out.
func mayBeLive(err error) bool {
	if errors.Is(err, broker.ErrNotConnected) {
		return false
	}
	switch health.Classify(broker.OpPlaceOrder, err) {
	case health.NetworkError, health.Unknown:
		return true
	}
	return false
}

// cancelUnconfirmed makes a best-effort attempt to pull an order the venue
// accepted but did not confirm. It reports whether the venue confirmed the
// cancel.
func (e *Engine) cancelUnconfirmed(ctx context.Context, b broker.Broker, ref broker.AccountRef, orderID string) bool {
	if orderID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()
	ok, err := retry.Call(ctx, e.retry, broker.OpCancelOrder, func(ctx context.Context) (bool, error) {
		return b.CancelOrder(ctx, orderID)
	})
	if err != nil || !ok {
		e.logger.Warn("cancel of unconfirmed copy order failed",
			slog.String("user", ref.AccountID),
			slog.String("order_id", orderID),
			slog.Bool("canceled", ok),
			slog.Any("error", err))
		return false
	}
	return true
}

func (e *Engine) logOutcome(log *slog.Logger, rec journal.CopyExecutionRecord) {
	attrs := []any{
		slog.String("user", rec.UserID),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("size", rec.UserSize.String()),
	}
	switch rec.Outcome {
	case journal.OutcomeFilled:
		log.Info("copy filled", append(attrs, slog.String("order_id", rec.UserOrderID))...)
	case journal.OutcomeSkipped:
		log.Warn("copy skipped", append(attrs, slog.String("reason", rec.Reason))...)
	default:
		log.Warn("copy failed", append(attrs, slog.String("kind", rec.FailureKind), slog.String("error", rec.UserError))...)
	}
}

func joinReason(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
