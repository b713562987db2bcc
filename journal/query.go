package journal

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

const fillColumns = `trade_id, symbol, side, filled_quantity, filled_price, broker_id, account_id, order_id, status, timestamp`

const copyColumns = `seq, master_trade_id, user_id, broker_id, outcome, user_order_id, user_error, user_size, failure_kind, reason, unresolved, recorded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFill(s scanner) (MasterFill, error) {
	var (
		f          MasterFill
		side, stat string
	)
	err := s.Scan(&f.TradeID, &f.Symbol, &side, &f.FilledQuantity, &f.FilledPrice,
		&f.BrokerID, &f.AccountID, &f.OrderID, &stat, &f.Timestamp)
	f.Side = broker.Side(side)
	f.Status = broker.OrderStatus(stat)
	return f, err
}

func scanCopy(s scanner) (CopyExecutionRecord, error) {
	var (
		r       CopyExecutionRecord
		outcome string
	)
	err := s.Scan(&r.Seq, &r.MasterTradeID, &r.UserID, &r.BrokerID, &outcome, &r.UserOrderID,
		&r.UserError, &r.UserSize, &r.FailureKind, &r.Reason, &r.Unresolved, &r.RecordedAt)
	r.Outcome = Outcome(outcome)
	return r, err
}

// GetFill returns a single master fill by trade id.
func (j *SQLite) GetFill(tradeID string) (MasterFill, error) {
	row := j.db.QueryRow(`SELECT `+fillColumns+` FROM fills WHERE trade_id = ?`, tradeID)
	f, err := scanFill(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MasterFill{}, fmt.Errorf("fill %q: %w", tradeID, ErrNotFound)
		}
		return MasterFill{}, err
	}
	return f, nil
}

// ListFills returns the most recent fills, newest first. limit <= 0 means all.
func (j *SQLite) ListFills(limit int) ([]MasterFill, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.Query(`SELECT `+fillColumns+` FROM fills ORDER BY timestamp DESC, trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MasterFill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (j *SQLite) FindCopy(tradeID, userID string) (CopyExecutionRecord, bool, error) {
	row := j.db.QueryRow(`
		SELECT `+copyColumns+` FROM copy_executions
		WHERE master_trade_id = ? AND user_id = ?
		ORDER BY seq DESC LIMIT 1`, tradeID, userID)
	r, err := scanCopy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CopyExecutionRecord{}, false, nil
		}
		return CopyExecutionRecord{}, false, err
	}
	return r, true, nil
}

func (j *SQLite) ListCopies(tradeID string) ([]CopyExecutionRecord, error) {
	rows, err := j.db.Query(`
		SELECT `+copyColumns+` FROM copy_executions
		WHERE master_trade_id = ?
		ORDER BY seq ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CopyExecutionRecord
	for rows.Next() {
		r, err := scanCopy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPositions returns the ledger for one account in insertion order.
func (j *SQLite) ListPositions(ref broker.AccountRef) ([]PositionEntry, error) {
	rows, err := j.db.Query(`
		SELECT id, trade_id, order_id, symbol, side, quantity, price, status, created_at
		FROM positions
		WHERE kind = ? AND account_id = ? AND broker_id = ?
		ORDER BY id ASC`, string(ref.Kind), ref.AccountID, ref.BrokerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionEntry
	for rows.Next() {
		var (
			p          PositionEntry
			side, stat string
			qty, price decimal.Decimal
		)
		if err := rows.Scan(&p.ID, &p.TradeID, &p.OrderID, &p.Symbol, &side, &qty, &price, &stat, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Account = ref
		p.Side = broker.Side(side)
		p.Status = broker.OrderStatus(stat)
		p.Quantity, p.Price = qty, price
		out = append(out, p)
	}
	return out, rows.Err()
}
