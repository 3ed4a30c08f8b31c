package broker

import (
	"encoding/json"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"portfolio-copilot/internal/models"
)

func convertHoldings(in kiteconnect.Holdings) []models.Holding {
	out := make([]models.Holding, 0, len(in))
	for _, h := range in {
		out = append(out, models.Holding{
			InstrumentToken: h.InstrumentToken,
			TradingSymbol:   h.Tradingsymbol,
			Exchange:        models.Exchange(h.Exchange),
			Quantity:        int(h.Quantity),
			AveragePrice:    h.AveragePrice,
			LastPrice:       h.LastPrice,
		})
	}
	return out
}

// convertTick maps a Kite ticker tick onto the wire tick. Fields outside
// last_price and ohlc travel in the extension payload under their Kite
// websocket names.
func convertTick(t kitemodels.Tick) models.Tick {
	price := t.LastPrice
	out := models.Tick{
		InstrumentToken: t.InstrumentToken,
		LastPrice:       &price,
		Extra:           make(map[string]json.RawMessage),
	}

	if t.Mode != string(kiteticker.ModeLTP) {
		out.OHLC = &models.OHLC{
			Open:  t.OHLC.Open,
			High:  t.OHLC.High,
			Low:   t.OHLC.Low,
			Close: t.OHLC.Close,
		}
		putExtra(out.Extra, "volume_traded", t.VolumeTraded)
		putExtra(out.Extra, "total_buy_quantity", t.TotalBuyQuantity)
		putExtra(out.Extra, "total_sell_quantity", t.TotalSellQuantity)
		putExtra(out.Extra, "average_traded_price", t.AverageTradePrice)
		putExtra(out.Extra, "last_traded_quantity", t.LastTradedQuantity)
		putExtra(out.Extra, "change", t.NetChange)
	}

	putExtra(out.Extra, "mode", t.Mode)
	putExtra(out.Extra, "tradable", t.IsTradable)
	if !t.Timestamp.Time.IsZero() {
		putExtra(out.Extra, "exchange_timestamp", t.Timestamp.Time)
	}
	if len(t.Depth.Buy) > 0 && t.Depth.Buy[0].Price > 0 {
		putExtra(out.Extra, "depth", t.Depth)
	}

	return out
}

func putExtra(m map[string]json.RawMessage, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	m[key] = data
}
