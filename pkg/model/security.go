package model

import "time"

// Market is the KRX venue a security trades on.
type Market string

const (
	MarketKOSPI   Market = "KOSPI"
	MarketKOSDAQ  Market = "KOSDAQ"
	MarketKONEX   Market = "KONEX"
	MarketUnknown Market = "UNKNOWN"
)

// ParseMarket maps a venue name to a Market; unrecognized names yield MarketUnknown.
func ParseMarket(s string) Market {
	switch Market(s) {
	case MarketKOSPI, MarketKOSDAQ, MarketKONEX:
		return Market(s)
	}
	return MarketUnknown
}

const (
	CountryKR    = "KR"
	CurrencyKRW  = "KRW"
	AssetStock   = "STOCK"
	SourceKRX    = "KRX"
	IDPrefixKRS  = "KRS"
	SubtypeLocal = "DOMESTIC"
)

// Security is a row of the security master (market.asset_master).
// ID is assigned once and never changes; deactivated rows are kept.
type Security struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Name        string         `json:"name"`
	Market      Market         `json:"market"`
	CountryCode string         `json:"country_code"`
	Currency    string         `json:"currency"`
	AssetType   string         `json:"asset_type"`
	IsActive    bool           `json:"is_active"`
	ListedAt    *time.Time     `json:"listed_at,omitempty"`
	DelistedAt  *time.Time     `json:"delisted_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by"`
	UpdatedBy   string         `json:"updated_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Scope selects the slice of the security master one source reconciles against.
type Scope struct {
	CountryCode string
	AssetType   string
}

// KRStocks is the scope reconciled by the KRX pipeline.
var KRStocks = Scope{CountryCode: CountryKR, AssetType: AssetStock}
