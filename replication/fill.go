package replication

import (
	"time"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/internal/id"
	"github.com/rustyeddy/copytrader/journal"
)

// ConfirmedFill is the only way a MasterFill comes into existence. It returns
// false unless the venue confirmed a full or partial fill with a positive
// quantity and price; pending, submitted, canceled, rejected and unknown
// results never trigger replication.
func ConfirmedFill(ref broker.AccountRef, req broker.OrderRequest, res broker.OrderResult, at time.Time) (journal.MasterFill, bool) {
	if !ref.IsPlatform() || !res.Status.Confirmed() {
		return journal.MasterFill{}, false
	}
	if !res.FilledQuantity.IsPositive() || !res.FilledPrice.IsPositive() {
		return journal.MasterFill{}, false
	}
	return journal.MasterFill{
		TradeID:        id.NewAt(at),
		Symbol:         req.Symbol,
		Side:           req.Side,
		FilledQuantity: res.FilledQuantity,
		FilledPrice:    res.FilledPrice,
		BrokerID:       ref.BrokerID,
		AccountID:      ref.AccountID,
		OrderID:        res.OrderID,
		Status:         res.Status,
		Timestamp:      at.UTC(),
	}, true
}
