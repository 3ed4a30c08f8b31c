package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// OHLC holds the session open/high/low/close carried by a tick. Close is the
// previous session's closing price.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick represents one real-time price update for an instrument.
//
// Each tick is self-contained: a newer tick for the same token replaces the
// previous one entirely. Fields the engine does not interpret (depth, volume,
// timestamps, ...) are kept verbatim in Extra so a tick round-trips through
// JSON without loss.
type Tick struct {
	InstrumentToken uint32
	// LastPrice is nil when the frame carried no numeric last_price.
	LastPrice *float64
	// OHLC is nil when the frame carried no ohlc object.
	OHLC  *OHLC
	Extra map[string]json.RawMessage
}

// LTP returns the last traded price if the tick carries a usable one.
func (t Tick) LTP() (float64, bool) {
	if t.LastPrice == nil {
		return 0, false
	}
	p := *t.LastPrice
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return p, true
}

// PrevClose returns ohlc.close, or 0 when the tick has no ohlc.
func (t Tick) PrevClose() float64 {
	if t.OHLC == nil {
		return 0
	}
	return t.OHLC.Close
}

// NewTick builds a tick with a last price and previous close.
func NewTick(token uint32, lastPrice, prevClose float64) Tick {
	p := lastPrice
	return Tick{
		InstrumentToken: token,
		LastPrice:       &p,
		OHLC:            &OHLC{Close: prevClose},
	}
}

var jsonNull = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// UnmarshalJSON decodes a tick object. A non-numeric last_price or a malformed
// ohlc is treated as absent and kept in Extra; a bad instrument_token is an error.
func (t *Tick) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("tick is null")
	}

	var out Tick

	v, ok := raw["instrument_token"]
	if !ok {
		return fmt.Errorf("tick has no instrument_token")
	}
	if err := json.Unmarshal(v, &out.InstrumentToken); err != nil {
		return fmt.Errorf("instrument_token: %w", err)
	}
	delete(raw, "instrument_token")

	if v, ok := raw["last_price"]; ok && !isNull(v) {
		var p float64
		if err := json.Unmarshal(v, &p); err == nil {
			out.LastPrice = &p
			delete(raw, "last_price")
		}
	}

	if v, ok := raw["ohlc"]; ok && !isNull(v) {
		var o OHLC
		if err := json.Unmarshal(v, &o); err == nil {
			out.OHLC = &o
			delete(raw, "ohlc")
		}
	}

	if len(raw) > 0 {
		out.Extra = raw
	}
	*t = out
	return nil
}

// MarshalJSON encodes the tick with its extension payload.
func (t Tick) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(t.Extra)+3)
	for k, v := range t.Extra {
		m[k] = v
	}
	m["instrument_token"] = t.InstrumentToken
	if t.LastPrice != nil {
		m["last_price"] = *t.LastPrice
	}
	if t.OHLC != nil {
		m["ohlc"] = t.OHLC
	}
	return json.Marshal(m)
}
