// Package journal is the append-only audit ledger: confirmed master fills,
// the position ledger and one copy execution record per fill and subscriber.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnconfirmed = errors.New("order not confirmed by broker")
	ErrInvalid     = errors.New("invalid record")
)

// MasterFill is a confirmed platform execution. It is only built from an
// OrderResult whose status is FILLED or PARTIALLY_FILLED.
type MasterFill struct {
	TradeID        string             `json:"trade_id"`
	Symbol         string             `json:"symbol"`
	Side           broker.Side        `json:"side"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	FilledPrice    decimal.Decimal    `json:"filled_price"`
	BrokerID       string             `json:"broker_id"`
	AccountID      string             `json:"account_id"`
	OrderID        string             `json:"order_id"`
	Status         broker.OrderStatus `json:"status"`
	Timestamp      time.Time          `json:"timestamp"`
}

func (f MasterFill) Notional() decimal.Decimal {
	return f.FilledQuantity.Mul(f.FilledPrice)
}

type Outcome string

const (
	OutcomeFilled  Outcome = "FILLED"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFilled, OutcomeSkipped, OutcomeFailed:
		return true
	}
	return false
}

// CopyExecutionRecord is the result of replicating one MasterFill to one
// subscriber. Records are never updated; a retry appends a new one.
type CopyExecutionRecord struct {
	Seq           int64           `json:"seq"`
	MasterTradeID string          `json:"master_trade_id"`
	UserID        string          `json:"user_id"`
	BrokerID      string          `json:"broker_id"`
	Outcome       Outcome         `json:"outcome"`
	UserOrderID   string          `json:"user_order_id,omitempty"`
	UserError     string          `json:"user_error,omitempty"`
	UserSize      decimal.Decimal `json:"user_size"`
	FailureKind   string          `json:"failure_kind,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	// Unresolved marks a copy order that may still be live at the venue:
	// the submission outcome is unknown or its cancel was not confirmed.
	// Replays leave the subscriber alone until an operator resolves it.
	Unresolved bool      `json:"unresolved,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (r CopyExecutionRecord) validate() error {
	if r.MasterTradeID == "" || r.UserID == "" {
		return fmt.Errorf("%w: copy record needs master_trade_id and user_id", ErrInvalid)
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", ErrInvalid, r.Outcome)
	}
	return nil
}

// PositionEntry is one line of the position ledger.
type PositionEntry struct {
	ID        int64              `json:"id"`
	Account   broker.AccountRef  `json:"account"`
	TradeID   string             `json:"trade_id"`
	OrderID   string             `json:"order_id"`
	Symbol    string             `json:"symbol"`
	Side      broker.Side        `json:"side"`
	Quantity  decimal.Decimal    `json:"quantity"`
	Price     decimal.Decimal    `json:"price"`
	Status    broker.OrderStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

func (p PositionEntry) validate() error {
	if !p.Status.Confirmed() {
		return fmt.Errorf("%w: status %s", ErrUnconfirmed, p.Status)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("%w: position quantity must be positive", ErrInvalid)
	}
	return nil
}

// Summary is the per-fill accounting over the latest record of each user.
type Summary struct {
	MasterTradeID string                `json:"master_trade_id"`
	Total         int                   `json:"total"`
	Filled        int                   `json:"filled"`
	Skipped       int                   `json:"skipped"`
	Failed        int                   `json:"failed"`
	Records       []CopyExecutionRecord `json:"records"`
}

type Journal interface {
	RecordFill(MasterFill) error
	GetFill(tradeID string) (MasterFill, error)
	ListFills(limit int) ([]MasterFill, error)

	RecordPosition(*PositionEntry) error
	ListPositions(ref broker.AccountRef) ([]PositionEntry, error)

	// RecordCopy assigns Seq and, when zero, RecordedAt.
	RecordCopy(*CopyExecutionRecord) error
	// FindCopy returns the latest record for (tradeID, userID).
	FindCopy(tradeID, userID string) (CopyExecutionRecord, bool, error)
	// ListCopies returns every record for tradeID in append order.
	ListCopies(tradeID string) ([]CopyExecutionRecord, error)

	Close() error
}

// Summarize folds records (in append order) into a Summary keeping only the
// latest record per user, in first-seen user order.
func Summarize(tradeID string, recs []CopyExecutionRecord) Summary {
	s := Summary{MasterTradeID: tradeID}

	idx := map[string]int{}
	for _, r := range recs {
		if i, ok := idx[r.UserID]; ok {
			s.Records[i] = r
			continue
		}
		idx[r.UserID] = len(s.Records)
		s.Records = append(s.Records, r)
	}

	for _, r := range s.Records {
		switch r.Outcome {
		case OutcomeFilled:
			s.Filled++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		}
	}
	s.Total = len(s.Records)
	return s
}

// SummaryFor loads and summarizes every record for tradeID.
func SummaryFor(j Journal, tradeID string) (Summary, error) {
	recs, err := j.ListCopies(tradeID)
	if err != nil {
		return Summary{MasterTradeID: tradeID}, err
	}
	return Summarize(tradeID, recs), nil
}
