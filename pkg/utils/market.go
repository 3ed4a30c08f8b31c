package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketPhase describes the equity cash session at a point in time.
type MarketPhase string

const (
	PhaseClosed  MarketPhase = "closed"
	PhasePreOpen MarketPhase = "pre-open"
	PhaseOpen    MarketPhase = "open"
)

// PhaseAt returns the NSE/BSE equity phase at t. Exchange holidays are not
// known here and report as the weekday schedule.
func PhaseAt(t time.Time) MarketPhase {
	now := t.In(IndiaLocation)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return PhaseClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= 9*60 && minutes < 9*60+15:
		return PhasePreOpen
	case minutes >= 9*60+15 && minutes < 15*60+30:
		return PhaseOpen
	default:
		return PhaseClosed
	}
}

// NextTokenExpiry returns when a Kite access token issued at t stops working:
// the next 06:00 IST.
func NextTokenExpiry(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, IndiaLocation)
	if !now.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}
