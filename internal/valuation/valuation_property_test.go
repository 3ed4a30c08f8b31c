package valuation

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"portfolio-copilot/internal/models"
)

func genHolding() gopter.Gen {
	return gopter.CombineGens(
		gen.UInt32Range(1, 50),
		gen.IntRange(0, 1000),
		gen.Float64Range(0, 5000),
		gen.Float64Range(0, 5000),
	).Map(func(v []interface{}) models.Holding {
		return models.Holding{
			InstrumentToken: v[0].(uint32),
			Quantity:        v[1].(int),
			AveragePrice:    v[2].(float64),
			LastPrice:       v[3].(float64),
		}
	})
}

func genTicks() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.UInt32Range(1, 50),
		gen.Float64Range(0.05, 5000),
		gen.Float64Range(-10, 5000),
	)).Map(func(vs [][]interface{}) map[uint32]models.Tick {
		out := make(map[uint32]models.Tick, len(vs))
		for _, v := range vs {
			tok := v[0].(uint32)
			out[tok] = models.NewTick(tok, v[1].(float64), v[2].(float64))
		}
		return out
	})
}

// Property: derived figures are always finite and aggregates are consistent
// with the rows they summarize.
func TestProperty_ValuationConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("aggregates match rows", prop.ForAll(
		func(holdings []models.Holding, ticks map[uint32]models.Tick) bool {
			v := Compute(holdings, ticks)
			if len(v.Rows) != len(holdings) {
				return false
			}

			var pnl, value float64
			wins := 0
			for _, r := range v.Rows {
				if math.IsNaN(r.PnLPercent) || math.IsInf(r.PnLPercent, 0) {
					return false
				}
				if r.DayChangePct != nil && (math.IsNaN(*r.DayChangePct) || math.IsInf(*r.DayChangePct, 0)) {
					return false
				}
				pnl += r.LivePnL
				value += r.CurrentValue
				if r.LivePnL > 0 {
					wins++
				}
			}

			a := v.Aggregates
			return a.TotalLivePnL == pnl &&
				a.TotalValue == value &&
				a.WinCount == wins &&
				a.WinCount+a.LossCount <= a.Count &&
				a.WinRate >= 0 && a.WinRate <= 100
		},
		gen.SliceOf(genHolding()),
		genTicks(),
	))

	properties.Property("day change is null exactly when prev close is not positive", prop.ForAll(
		func(holdings []models.Holding, ticks map[uint32]models.Tick) bool {
			for _, r := range Compute(holdings, ticks).Rows {
				if (r.DayChangePct == nil) != (r.PrevClose <= 0) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genHolding()),
		genTicks(),
	))

	properties.Property("rows without a tick use the fetch-time price", prop.ForAll(
		func(holdings []models.Holding) bool {
			for _, r := range Compute(holdings, nil).Rows {
				if r.LTP != r.Holding.LastPrice || r.FromTick {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genHolding()),
	))

	properties.TestingRun(t)
}
