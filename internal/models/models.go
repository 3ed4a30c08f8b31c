// Package models provides domain models for the portfolio copilot.
package models

import (
	"fmt"
	"strings"

	apperrors "portfolio-copilot/internal/errors"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// Mode selects the payload richness of a tick subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// DefaultMode is used when a subscription does not name a mode.
const DefaultMode = ModeFull

// ParseMode parses a mode string. An empty string yields DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeLTP:
		return ModeLTP, nil
	case ModeQuote:
		return ModeQuote, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("%w %q (must be ltp, quote or full)", apperrors.ErrInvalidMode, s)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeLTP || m == ModeQuote || m == ModeFull
}

// Holding represents one owned delivery position as returned by the broker.
// It is an immutable snapshot until the holdings are fetched again.
type Holding struct {
	InstrumentToken uint32   `json:"instrument_token"`
	TradingSymbol   string   `json:"tradingsymbol"`
	Exchange        Exchange `json:"exchange"`
	Quantity        int      `json:"quantity"`
	AveragePrice    float64  `json:"average_price"`
	// LastPrice is the price at fetch time.
	LastPrice float64 `json:"last_price"`
}

// Tokens returns the instrument tokens of the holdings, skipping zero tokens.
func Tokens(holdings []Holding) []uint32 {
	tokens := make([]uint32, 0, len(holdings))
	for _, h := range holdings {
		if h.InstrumentToken == 0 {
			continue
		}
		tokens = append(tokens, h.InstrumentToken)
	}
	return tokens
}
