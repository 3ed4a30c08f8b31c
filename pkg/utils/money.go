package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Round2 rounds a figure to two decimals for display. Stored and computed
// values are never rounded.
func Round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// FormatINR formats an amount in Indian grouping (lakhs, crores) with the
// rupee sign and two decimals.
func FormatINR(amount float64) string {
	d := Round2(amount)
	negative := d.IsNegative()
	if negative {
		d = d.Neg()
	}

	str := d.StringFixed(2)
	intPart, decPart, _ := strings.Cut(str, ".")

	result := "₹" + groupIndian(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// groupIndian inserts separators after the last three digits and then every two.
func groupIndian(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 2 {
		result = s[len(s)-2:] + "," + result
		s = s[:len(s)-2]
	}
	return s + "," + result
}

// FormatPercent formats a percentage with an explicit sign.
func FormatPercent(value float64) string {
	d := Round2(value)
	sign := ""
	if d.IsPositive() {
		sign = "+"
	}
	return sign + d.StringFixed(2) + "%"
}

// FormatPercentPtr formats an optional percentage; nil is shown as "n/a".
func FormatPercentPtr(value *float64) string {
	if value == nil {
		return "n/a"
	}
	return FormatPercent(*value)
}

// FormatPnL formats a P&L amount with an explicit sign.
func FormatPnL(pnl float64) string {
	if Round2(pnl).IsPositive() {
		return "+" + FormatINR(pnl)
	}
	return FormatINR(pnl)
}
