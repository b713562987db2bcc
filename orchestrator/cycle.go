package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/replication"
	"github.com/rustyeddy/copytrader/retry"
	"github.com/rustyeddy/copytrader/strategy"
)

// errAborted marks a cycle cut short by the stop flag. It is not a failure.
var errAborted = errors.New("cycle aborted")

// run is the unit loop. It returns only when the unit is stopped.
func (o *Orchestrator) run(ctx context.Context, u *Unit, delay time.Duration) {
	defer close(u.done)
	defer u.setMode(ModeStopped)

	log := o.logger.With(refAttrs(u.ref)...)
	if err := retry.Sleep(ctx, delay); err != nil {
		return
	}
	log.Info("unit started")

	for !u.stopping(ctx) {
		start := o.now()
		if ok, reason := o.monitor.CanExecute(u.ref); ok {
			o.cycle(ctx, u, log)
		} else {
			u.setMode(ModeBlocked)
			u.trading.Store(false)
			log.Debug("unit blocked", slog.String("reason", reason))
		}

		wait := o.cfg.CycleInterval - o.now().Sub(start)
		if err := retry.Sleep(ctx, wait); err != nil {
			break
		}
	}
	log.Info("unit stopped", slog.Int64("cycles", u.cycles.Load()))
}

// cycle runs one step sequence and reports its outcome to the monitor. It
// holds the probe granted by CanExecute and always resolves it.
func (o *Orchestrator) cycle(ctx context.Context, u *Unit, log *slog.Logger) {
	start := o.now()
	u.cycles.Add(1)
	u.lastCycle.Store(start.UnixNano())

	// Brokerage calls run detached from the stop signal and finish or hit the
	// cycle timeout; ctx still carries the stop signal into replication.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CycleTimeout)
	defer cancel()

	err := o.safeCycle(ctx, cctx, u, log)
	elapsed := o.now().Sub(start)

	switch {
	case err == nil:
		o.monitor.RecordSuccess(u.ref, elapsed)
		u.trading.Store(true)
		u.setErr(nil)
		o.metrics.cycle(u.ref, "ok", elapsed)
	case errors.Is(err, errAborted) || u.stopping(ctx):
		o.monitor.Release(u.ref)
		u.trading.Store(false)
		o.metrics.cycle(u.ref, "aborted", elapsed)
	default:
		kind := health.Classify("", err)
		o.monitor.RecordFailure(u.ref, kind, err)
		u.trading.Store(false)
		u.setErr(err)
		o.metrics.cycle(u.ref, "failed", elapsed)
		log.Warn("cycle failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

// safeCycle converts a panic anywhere in the cycle into an error.
func (o *Orchestrator) safeCycle(stop, ctx context.Context, u *Unit, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle: %v", r)
		}
	}()
	return o.runCycle(stop, ctx, u, log)
}

// runCycle makes its brokerage calls on ctx. The stop flag is checked
// between steps, never used to cut a call short.
func (o *Orchestrator) runCycle(stop, ctx context.Context, u *Unit, log *slog.Logger) error {
	ref := u.ref

	b, err := o.pool.Ensure(ctx, ref)
	if err != nil {
		return err
	}
	if u.stopRequested() {
		return errAborted
	}

	if !ref.IsPlatform() && o.platformTrading(ref.BrokerID) {
		u.setMode(ModeFollower)
		_, err := retry.Call(ctx, o.retry, broker.OpBalance, b.GetBalance)
		return broker.Wrap(broker.OpBalance, ref.BrokerID, err)
	}
	u.setMode(ModeStrategy)

	bal, err := retry.Call(ctx, o.retry, broker.OpBalance, b.GetBalance)
	if err != nil {
		return broker.Wrap(broker.OpBalance, ref.BrokerID, err)
	}
	if u.stopRequested() {
		return errAborted
	}

	positions, err := retry.Call(ctx, o.retry, broker.OpPositions, b.GetPositions)
	if err != nil {
		return broker.Wrap(broker.OpPositions, ref.BrokerID, err)
	}
	if u.stopRequested() {
		return errAborted
	}

	if u.strategy == nil {
		return nil
	}
	dec, err := u.strategy.Decide(ctx, strategy.AccountState{
		Ref:       ref,
		Balance:   bal,
		Positions: positions,
		Now:       o.now(),
		Cycle:     u.cycles.Load(),
	})
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	side, trade := dec.Action.Side()
	if !trade {
		log.Debug("hold", slog.String("reason", dec.Reason))
		return nil
	}
	if u.stopRequested() {
		return errAborted
	}

	req := broker.OrderRequest{Symbol: dec.Symbol, Side: side, Size: dec.Size}
	return o.submit(stop, ctx, u, b, req, log)
}

// submit places the order and acts only on a confirmed fill: a ledger entry
// for the account and, for platform accounts, replication to subscribers.
// Replication gets stop so a shutdown skips the subscribers not yet reached.
func (o *Orchestrator) submit(stop, ctx context.Context, u *Unit, b broker.Broker, req broker.OrderRequest, log *slog.Logger) error {
	ref := u.ref

	var res broker.OrderResult
	err := retry.Do(ctx, o.retry, broker.OpPlaceOrder, func(ctx context.Context) error {
		var err error
		res, err = b.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return broker.Wrap(broker.OpPlaceOrder, ref.BrokerID, err)
	}

	if !res.Status.Confirmed() {
		if res.Status.Open() && res.OrderID != "" {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CycleTimeout)
			if _, cerr := b.CancelOrder(cctx, res.OrderID); cerr != nil {
				log.Warn("cancel of unconfirmed order failed", slog.String("order_id", res.OrderID), slog.Any("error", cerr))
			}
			cancel()
		}
		detail := fmt.Sprintf("order %s", res.Status)
		if res.Error != "" {
			detail += ": " + res.Error
		}
		return &broker.OpError{Op: broker.OpPlaceOrder, Broker: ref.BrokerID, Err: fmt.Errorf("%w: %s", broker.ErrRejected, detail)}
	}

	at := o.now()
	pos := &journal.PositionEntry{
		Account:  ref,
		OrderID:  res.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: res.FilledQuantity,
		Price:    res.FilledPrice,
		Status:   res.Status,
	}

	fill, ok := replication.ConfirmedFill(ref, req, res, at)
	if ok {
		pos.TradeID = fill.TradeID
	}
	if err := o.journal.RecordPosition(pos); err != nil {
		log.Error("position ledger write failed", slog.String("order_id", res.OrderID), slog.Any("error", err))
	}
	log.Info("order filled",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("quantity", res.FilledQuantity.String()),
		slog.String("price", res.FilledPrice.String()),
		slog.String("status", string(res.Status)))

	if !ok || o.engine == nil {
		return nil
	}
	sum, err := o.engine.Replicate(stop, fill)
	if err != nil {
		// Copy outcomes belong to the subscribers, not to this account.
		log.Error("replication incomplete", slog.String("trade_id", fill.TradeID), slog.Any("error", err))
	}
	log.Info("fill replicated",
		slog.String("trade_id", fill.TradeID),
		slog.Int("filled", sum.Filled),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed))
	return nil
}
