package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the durable Journal. Writes go through a single connection so
// appends from concurrent units are serialized by the driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// DB exposes the handle so other stores (the sequence counter) can share the file.
func (j *SQLite) DB() *sql.DB { return j.db }

func (j *SQLite) RecordFill(f MasterFill) error {
	_, err := j.db.Exec(`
		INSERT INTO fills
		(trade_id, symbol, side, filled_quantity, filled_price, broker_id, account_id, order_id, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO NOTHING`,
		f.TradeID, f.Symbol, string(f.Side), f.FilledQuantity.String(), f.FilledPrice.String(),
		f.BrokerID, f.AccountID, f.OrderID, string(f.Status), f.Timestamp.UTC(),
	)
	return err
}

func (j *SQLite) RecordPosition(p *PositionEntry) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = j.now()
	}
	res, err := j.db.Exec(`
		INSERT INTO positions
		(kind, account_id, broker_id, trade_id, order_id, symbol, side, quantity, price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.Account.Kind), p.Account.AccountID, p.Account.BrokerID, p.TradeID, p.OrderID,
		p.Symbol, string(p.Side), p.Quantity.String(), p.Price.String(), string(p.Status), p.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (j *SQLite) RecordCopy(r *CopyExecutionRecord) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = j.now()
	}
	res, err := j.db.Exec(`
		INSERT INTO copy_executions
		(master_trade_id, user_id, broker_id, outcome, user_order_id, user_error, user_size, failure_kind, reason, unresolved, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MasterTradeID, r.UserID, r.BrokerID, string(r.Outcome), r.UserOrderID, r.UserError,
		r.UserSize.String(), r.FailureKind, r.Reason, r.Unresolved, r.RecordedAt.UTC(),
	)
	if err != nil {
		return err
	}
	r.Seq, err = res.LastInsertId()
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

var _ Journal = (*SQLite)(nil)

