package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var copyHeader = []string{"seq", "master_trade_id", "user_id", "broker_id", "outcome", "user_order_id", "user_size", "failure_kind", "user_error", "reason", "recorded_at", "unresolved"}

var fillHeader = []string{"trade_id", "symbol", "side", "filled_quantity", "filled_price", "broker_id", "account_id", "order_id", "status", "timestamp"}

// WriteCopiesCSV writes recs with a header row.
func WriteCopiesCSV(w io.Writer, recs []CopyExecutionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(copyHeader); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			strconv.FormatInt(r.Seq, 10),
			r.MasterTradeID,
			r.UserID,
			r.BrokerID,
			string(r.Outcome),
			r.UserOrderID,
			r.UserSize.String(),
			r.FailureKind,
			r.UserError,
			r.Reason,
			r.RecordedAt.UTC().Format(time.RFC3339),
			strconv.FormatBool(r.Unresolved),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFillsCSV writes fills with a header row.
func WriteFillsCSV(w io.Writer, fills []MasterFill) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fillHeader); err != nil {
		return err
	}
	for _, f := range fills {
		if err := cw.Write([]string{
			f.TradeID,
			f.Symbol,
			string(f.Side),
			f.FilledQuantity.String(),
			f.FilledPrice.String(),
			f.BrokerID,
			f.AccountID,
			f.OrderID,
			string(f.Status),
			f.Timestamp.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
