// Package normalize parses the loosely formatted numbers and dates KRX
// delivers into decimals, integers and calendar dates.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMarketCapThreshold separates values reported in 억원 (hundred
// millions of won) from values already in won.
var DefaultMarketCapThreshold = decimal.NewFromInt(100_000_000)

var stripper = strings.NewReplacer(",", "", "$", "", "₩", "", "원", "", " ", "", "\t", "", "\u00a0", "")

func clean(s string) string {
	return stripper.Replace(strings.TrimSpace(s))
}

// ParseNumeric returns an absent value for blanks, "-" and anything that does
// not parse after separators and currency marks are removed.
func ParseNumeric(s string) decimal.NullDecimal {
	c := clean(s)
	switch c {
	case "", "-", "N/A", "nan", "NaN":
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(c)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// ParseInt parses a whole number. Fractional input is truncated toward zero.
func ParseInt(s string) (int64, bool) {
	d := ParseNumeric(s)
	if !d.Valid {
		return 0, false
	}
	return d.Decimal.IntPart(), true
}

// ParseTradeDate accepts YYYY-MM-DD, YYYYMMDD and YYYY/MM/DD.
func ParseTradeDate(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "20060102", "2006/01/02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable trade date %q", s)
}

// NormalizeMarketCap scales values below threshold by threshold. A
// non-positive threshold disables scaling.
func NormalizeMarketCap(v decimal.NullDecimal, threshold decimal.Decimal) decimal.NullDecimal {
	if !v.Valid || !threshold.IsPositive() {
		return v
	}
	if v.Decimal.IsPositive() && v.Decimal.LessThan(threshold) {
		return decimal.NewNullDecimal(v.Decimal.Mul(threshold))
	}
	return v
}

// ChangeAmount is close × rate / 100 rounded to 2 places.
func ChangeAmount(closePrice, rate decimal.NullDecimal) decimal.NullDecimal {
	if !closePrice.Valid || !rate.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(closePrice.Decimal.Mul(rate.Decimal).Div(decimal.NewFromInt(100)).Round(2))
}

// TradingValue is close × volume rounded to 2 places.
func TradingValue(closePrice decimal.NullDecimal, volume int64) decimal.NullDecimal {
	if !closePrice.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(closePrice.Decimal.Mul(decimal.NewFromInt(volume)).Round(2))
}

// CompactDate formats t as YYYYMMDD.
func CompactDate(t time.Time) string {
	return t.Format("20060102")
}
