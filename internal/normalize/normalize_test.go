package normalize

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1,234", "1234", true},
		{"₩73,000", "73000", true},
		{"$12.50", "12.5", true},
		{" 5,000원 ", "5000", true},
		{"-0.52", "-0.52", true},
		{"", "", false},
		{"-", "", false},
		{"abc", "", false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got := ParseNumeric(c.in)
			assert.Equal(t, c.ok, got.Valid)
			if c.ok {
				assert.True(t, decimal.RequireFromString(c.want).Equal(got.Decimal), "got %s", got.Decimal)
			}
		})
	}
}

func TestParseInt(t *testing.T) {
	v, ok := ParseInt("12,345,678")
	assert.True(t, ok)
	assert.Equal(t, int64(12345678), v)

	_, ok = ParseInt("n/a?")
	assert.False(t, ok)
}

func TestParseTradeDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-15", "20240115", "2024/01/15", " 20240115 "} {
		got, err := ParseTradeDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}
	_, err := ParseTradeDate("15.01.2024")
	assert.Error(t, err)
}

func TestNormalizeMarketCap(t *testing.T) {
	got := NormalizeMarketCap(dec("4350"), DefaultMarketCapThreshold)
	assert.True(t, decimal.RequireFromString("435000000000").Equal(got.Decimal))

	big := dec("435000000000")
	assert.Equal(t, big, NormalizeMarketCap(big, DefaultMarketCapThreshold))

	assert.False(t, NormalizeMarketCap(decimal.NullDecimal{}, DefaultMarketCapThreshold).Valid)
	assert.Equal(t, dec("10"), NormalizeMarketCap(dec("10"), decimal.Zero))
}

func TestDerivedFields(t *testing.T) {
	amt := ChangeAmount(dec("105"), dec("2.0"))
	require.True(t, amt.Valid)
	assert.Equal(t, "2.1", amt.Decimal.String())

	tv := TradingValue(dec("105"), 1000)
	require.True(t, tv.Valid)
	assert.True(t, decimal.RequireFromString("105000.00").Equal(tv.Decimal))

	assert.False(t, ChangeAmount(decimal.NullDecimal{}, dec("1")).Valid)
	assert.False(t, TradingValue(decimal.NullDecimal{}, 10).Valid)
}
