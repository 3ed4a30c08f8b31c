package cli

import (
	"fmt"
	"strings"
	"time"

	"portfolio-copilot/internal/portfolio"
	"portfolio-copilot/internal/stream"
	"portfolio-copilot/internal/valuation"
	"portfolio-copilot/pkg/utils"
)

// renderValuation prints the per-holding table followed by the totals.
func renderValuation(output *Output, v valuation.Valuation) {
	if len(v.Rows) == 0 {
		output.Dim("No holdings.")
		return
	}

	table := NewTable(output, "Symbol", "Qty", "Avg", "LTP", "Value", "P&L", "P&L %", "Day %").
		AlignRight(1, 2, 3, 4, 5, 6, 7)
	for _, r := range v.Rows {
		ltp := FormatPrice(r.LTP)
		if !r.FromTick {
			ltp = output.DimText(ltp)
		}
		table.AddRow(
			TruncateString(r.TradingSymbol, 20),
			fmt.Sprintf("%d", r.Quantity),
			FormatPrice(r.AveragePrice),
			ltp,
			utils.FormatINR(r.CurrentValue),
			output.FormatPnL(r.LivePnL),
			output.FormatPercent(r.PnLPercent),
			output.FormatPercentPtr(r.DayChangePct),
		)
	}
	table.Render()
	output.Println()
	renderAggregates(output, v.Aggregates)
}

func renderAggregates(output *Output, a valuation.Aggregates) {
	output.Printf("  Invested:  %s\n", utils.FormatINR(a.TotalInvested))
	output.Printf("  Value:     %s\n", utils.FormatINR(a.TotalValue))
	output.Printf("  Live P&L:  %s (%s)\n", output.FormatPnL(a.TotalLivePnL), output.FormatPercent(a.TotalPnLPercent()))
	output.Printf("  Win rate:  %s  %s / %s of %d\n",
		fmt.Sprintf("%.1f%%", a.WinRate),
		output.Green(fmt.Sprintf("%d up", a.WinCount)),
		output.Red(fmt.Sprintf("%d down", a.LossCount)),
		a.Count)
}

// renderStatus prints the one-line stream header of the watch screen.
func renderStatus(output *Output, snap portfolio.Snapshot) {
	parts := []string{
		output.StatusBadge(snap.State),
		"market " + output.MarketStatus(utils.PhaseAt(snap.At)),
		"holdings " + FormatAge(snap.HoldingsAt, snap.At),
		FormatTime(snap.At) + " IST",
	}
	if !snap.Subscribed && snap.State == stream.StateOpen {
		parts = append(parts, output.Yellow("not subscribed"))
	}
	output.Println(strings.Join(parts, "  │  "))
}

// renderEvents prints up to n of the most recent raw frames, newest first.
func renderEvents(output *Output, events []stream.Event, n int) {
	if len(events) == 0 || n <= 0 {
		return
	}
	if len(events) > n {
		events = events[:n]
	}
	output.Println()
	output.Dim("Recent frames")
	for _, e := range events {
		output.Dim("  %s  %-6s %s", FormatTime(e.ReceivedAt), e.Type, TruncateString(string(e.Raw), 100))
	}
}

// snapshotJSON is the machine-readable form of one watch update.
type snapshotJSON struct {
	At         time.Time            `json:"at"`
	State      string               `json:"state"`
	Connected  bool                 `json:"connected"`
	Subscribed bool                 `json:"subscribed"`
	SessionID  string               `json:"session_id"`
	HoldingsAt *time.Time           `json:"holdings_at,omitempty"`
	Rows       []valuation.Row      `json:"rows"`
	Aggregates valuation.Aggregates `json:"aggregates"`
}

func toSnapshotJSON(snap portfolio.Snapshot) snapshotJSON {
	out := snapshotJSON{
		At:         snap.At,
		State:      snap.State.String(),
		Connected:  snap.Connected,
		Subscribed: snap.Subscribed,
		SessionID:  snap.SessionID,
		Rows:       snap.Valuation.Rows,
		Aggregates: snap.Valuation.Aggregates,
	}
	if !snap.HoldingsAt.IsZero() {
		at := snap.HoldingsAt
		out.HoldingsAt = &at
	}
	if out.Rows == nil {
		out.Rows = []valuation.Row{}
	}
	return out
}
