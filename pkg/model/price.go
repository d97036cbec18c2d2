package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one row of market.krs_daily_prices, keyed by (SecurityID, TradeDate).
type PriceRecord struct {
	SecurityID        string              `json:"security_id"`
	Symbol            string              `json:"symbol"`
	TradeDate         time.Time           `json:"trade_date"`
	Open              decimal.NullDecimal `json:"open_price"`
	High              decimal.NullDecimal `json:"high_price"`
	Low               decimal.NullDecimal `json:"low_price"`
	Close             decimal.NullDecimal `json:"close_price"`
	Volume            *int64              `json:"volume"` // nil when the source gave none
	ChangeRate        decimal.NullDecimal `json:"change_rate"`
	ChangeAmount      decimal.NullDecimal `json:"change_amount"`
	TradingValue      decimal.NullDecimal `json:"trading_value"`
	MarketCap         decimal.NullDecimal `json:"market_cap"`
	SharesOutstanding *int64              `json:"shares_outstanding,omitempty"`
	Currency          string              `json:"currency"`
	DataSource        string              `json:"data_source"`
	CreatedBy         string              `json:"created_by"`
	UpdatedBy         string              `json:"updated_by"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Key is the upsert conflict key.
func (p PriceRecord) Key() string {
	return p.SecurityID + "|" + p.TradeDate.Format("2006-01-02")
}
