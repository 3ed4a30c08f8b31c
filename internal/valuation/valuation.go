// Package valuation derives live per-holding and aggregate profit/loss from a
// holdings snapshot and a tick snapshot.
//
// All figures are raw float64 values. Rounding to two decimals is left to the
// presentation layer.
package valuation

import (
	"portfolio-copilot/internal/models"
)

// Row is the derived view of one holding.
type Row struct {
	models.Holding

	// LTP is the tick's last price, or the holding's fetch-time price when no
	// usable tick has been received.
	LTP float64 `json:"ltp"`
	// FromTick reports whether LTP came from a live tick.
	FromTick bool `json:"from_tick"`
	// PrevClose is the tick's ohlc.close, or 0 when unknown.
	PrevClose    float64 `json:"prev_close"`
	CurrentValue float64 `json:"current_value"`
	Invested     float64 `json:"invested"`
	LivePnL      float64 `json:"live_pnl"`
	// DayChangePct is nil when no positive previous close is known.
	DayChangePct *float64 `json:"day_change_pct"`
	// PnLPercent is 0 when the cost basis is not positive.
	PnLPercent float64 `json:"pnl_percent"`
}

// Aggregates summarizes all rows.
type Aggregates struct {
	Count         int     `json:"count"`
	TotalInvested float64 `json:"total_invested"`
	TotalValue    float64 `json:"total_value"`
	TotalLivePnL  float64 `json:"total_live_pnl"`
	WinCount      int     `json:"win_count"`
	LossCount     int     `json:"loss_count"`
	// WinRate is the share of rows with positive live P&L, in percent.
	WinRate float64 `json:"win_rate"`
}

// Valuation is the full derived snapshot.
type Valuation struct {
	Rows       []Row      `json:"rows"`
	Aggregates Aggregates `json:"aggregates"`
}

// Compute derives rows and aggregates. It does not modify its inputs and
// returns rows in holdings order.
func Compute(holdings []models.Holding, ticks map[uint32]models.Tick) Valuation {
	rows := make([]Row, 0, len(holdings))
	for _, h := range holdings {
		t, ok := ticks[h.InstrumentToken]
		var tick *models.Tick
		if ok {
			tick = &t
		}
		rows = append(rows, ComputeRow(h, tick))
	}
	return Valuation{
		Rows:       rows,
		Aggregates: Aggregate(rows),
	}
}

// ComputeRow derives one row. tick is nil when no tick was received for the
// holding's instrument.
func ComputeRow(h models.Holding, tick *models.Tick) Row {
	row := Row{Holding: h, LTP: h.LastPrice}

	if tick != nil {
		if p, ok := tick.LTP(); ok {
			row.LTP = p
			row.FromTick = true
		}
		row.PrevClose = tick.PrevClose()
	}

	qty := float64(h.Quantity)
	row.CurrentValue = row.LTP * qty
	row.Invested = h.AveragePrice * qty
	row.LivePnL = (row.LTP - h.AveragePrice) * qty

	if row.PrevClose > 0 {
		pct := (row.LTP - row.PrevClose) / row.PrevClose * 100
		row.DayChangePct = &pct
	}

	if h.AveragePrice > 0 && h.Quantity != 0 {
		row.PnLPercent = row.LivePnL / row.Invested * 100
	}

	return row
}

// Aggregate sums rows. An empty input yields all zeros.
func Aggregate(rows []Row) Aggregates {
	agg := Aggregates{Count: len(rows)}
	for _, r := range rows {
		agg.TotalInvested += r.Invested
		agg.TotalValue += r.CurrentValue
		agg.TotalLivePnL += r.LivePnL
		switch {
		case r.LivePnL > 0:
			agg.WinCount++
		case r.LivePnL < 0:
			agg.LossCount++
		}
	}
	if agg.Count > 0 {
		agg.WinRate = float64(agg.WinCount) / float64(agg.Count) * 100
	}
	return agg
}

// TotalPnLPercent returns total live P&L as a percentage of total invested,
// or 0 when nothing is invested.
func (a Aggregates) TotalPnLPercent() float64 {
	if a.TotalInvested <= 0 {
		return 0
	}
	return a.TotalLivePnL / a.TotalInvested * 100
}
