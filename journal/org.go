package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatCopyMapOrg renders a master fill and its copy records as an Org-mode
// block: facts in a PROPERTIES drawer, one table row per subscriber.
func FormatCopyMapOrg(f MasterFill, s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** Fill: %s %s (%s)\n", f.Symbol, f.Side, shortID(f.TradeID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", f.TradeID)
	fmt.Fprintf(&b, ":ID: %s\n", f.TradeID)
	fmt.Fprintf(&b, ":BROKER: %s\n", f.BrokerID)
	fmt.Fprintf(&b, ":ACCOUNT: %s\n", f.AccountID)
	fmt.Fprintf(&b, ":ORDER_ID: %s\n", f.OrderID)
	fmt.Fprintf(&b, ":STATUS: %s\n", f.Status)
	fmt.Fprintf(&b, ":QUANTITY: %s\n", f.FilledQuantity.String())
	fmt.Fprintf(&b, ":PRICE: %s\n", f.FilledPrice.String())
	fmt.Fprintf(&b, ":TIME: %s\n", f.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":COPIES: %d\n", s.Total)
	fmt.Fprintf(&b, ":FILLED: %d\n", s.Filled)
	fmt.Fprintf(&b, ":SKIPPED: %d\n", s.Skipped)
	fmt.Fprintf(&b, ":FAILED: %d\n", s.Failed)
	b.WriteString(":END:\n\n")

	b.WriteString("*** Copies\n")
	if len(s.Records) == 0 {
		b.WriteString("- no subscribers\n")
		return b.String()
	}
	b.WriteString("| user | outcome | size | order | detail |\n")
	b.WriteString("|------+---------+------+-------+--------|\n")
	for _, r := range s.Records {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			r.UserID, r.Outcome, r.UserSize.String(), r.UserOrderID, orgCell(detail(r)))
	}
	return b.String()
}

// FormatFillsOrg renders multiple fills as headings without copy tables.
func FormatFillsOrg(fills []MasterFill) string {
	var b strings.Builder
	for i, f := range fills {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "** Fill: %s %s %s @ %s (%s)\n",
			f.Symbol, f.Side, f.FilledQuantity.String(), f.FilledPrice.String(), shortID(f.TradeID))
		fmt.Fprintf(&b, "   %s %s/%s\n", f.Timestamp.UTC().Format(time.RFC3339), f.AccountID, f.BrokerID)
	}
	return b.String()
}

func detail(r CopyExecutionRecord) string {
	if r.Unresolved {
		return "UNRESOLVED " + r.UserOrderID + ": " + r.UserError
	}
	if r.UserError != "" {
		if r.FailureKind != "" {
			return r.FailureKind + ": " + r.UserError
		}
		return r.UserError
	}
	return r.Reason
}

func orgCell(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
