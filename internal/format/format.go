// Package format renders prices, amounts, and times into the fixed-precision
// display strings carried next to every numeric field in downstream payloads.
//
// All functions are pure. The only failure mode is FormatError for NaN/Inf
// inputs; callers substitute the empty string and carry on.
package format

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// FormatError reports an unformattable input. It is never fatal.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "format: " + e.Reason
}

// Price renders value with exactly precision fractional digits, trailing
// zeros preserved. No thousands separators; prices are read as one token.
func Price(value decimal.Decimal, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return value.StringFixed(int32(precision))
}

// Amount renders a quantity with exactly precision fractional digits.
func Amount(value decimal.Decimal, precision int) string {
	return Price(value, precision)
}

// USDT renders a quote-currency notional with thousands separators in the
// integer part and exactly precision fractional digits.
func USDT(value decimal.Decimal, precision int) string {
	f, _ := value.Float64()
	if err := checkFinite(f); err != nil {
		return ""
	}
	if precision < 0 {
		precision = 0
	}
	s := humanize.CommafWithDigits(f, precision)
	if precision > 0 {
		dot := strings.IndexByte(s, '.')
		if dot < 0 {
			s += "."
			dot = len(s) - 1
		}
		if pad := precision - (len(s) - dot - 1); pad > 0 {
			s += strings.Repeat("0", pad)
		}
	}
	return s
}

// Compact shortens large numbers with K/M/B suffixes at two fractional
// digits: 12_345 → "12.35K", 3_400_000 → "3.40M". Values below 1000 fall
// back to a plain two-digit rendering.
func Compact(value decimal.Decimal) (string, error) {
	f, _ := value.Float64()
	if err := checkFinite(f); err != nil {
		return "", err
	}
	abs := math.Abs(f)
	switch {
	case abs >= 1e9:
		return fmt.Sprintf("%.2fB", f/1e9), nil
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", f/1e6), nil
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", f/1e3), nil
	default:
		return fmt.Sprintf("%.2f", f), nil
	}
}

// CompactOrEmpty is Compact with the caller-side error convention applied.
func CompactOrEmpty(value decimal.Decimal) string {
	s, err := Compact(value)
	if err != nil {
		return ""
	}
	return s
}

// ClockTime renders a UTC millisecond timestamp as local HH:MM:SS.
func ClockTime(tsMs int64) string {
	return time.UnixMilli(tsMs).Local().Format("15:04:05")
}

func checkFinite(f float64) error {
	if math.IsNaN(f) {
		return &FormatError{Reason: "NaN"}
	}
	if math.IsInf(f, 0) {
		return &FormatError{Reason: "Inf"}
	}
	return nil
}
