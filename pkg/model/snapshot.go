package model

import "strings"

// RawRow is one listing as delivered by a data source. Numeric fields are kept
// as the source formatted them ("1,234", "-0.52", "").
type RawRow struct {
	Symbol     string `json:"ticker"`
	Name       string `json:"name_kr"`
	Market     string `json:"market"`
	TradeDate  string `json:"trade_date"`
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume"`
	ChangeRate string `json:"change_rate"`
	MarketCap  string `json:"market_cap"`
	Shares     string `json:"shares"`
}

// Snapshot is everything one extraction observed for a trading day.
// FetchedMarkets lists the venues whose listing call succeeded; only those
// venues can prove a security has disappeared.
type Snapshot struct {
	TaskID         string   `json:"task_id"`
	Source         string   `json:"source"`
	TradeDate      string   `json:"trade_date"`
	Rows           []RawRow `json:"rows"`
	Markets        []Market `json:"markets"`
	FetchedMarkets []Market `json:"fetched_markets"`
	FailedMarkets  []Market `json:"failed_markets,omitempty"`
}

// MappingKey is the cache key for a listing: "SYMBOL|MARKET".
func MappingKey(symbol string, market Market) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "|" + string(market)
}

// ObservedSymbols returns the distinct symbols in the snapshot with the market
// each was first seen on.
func (s *Snapshot) ObservedSymbols() map[string]RawRow {
	out := make(map[string]RawRow, len(s.Rows))
	for _, r := range s.Rows {
		sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
		if sym == "" {
			continue
		}
		if _, ok := out[sym]; !ok {
			out[sym] = r
		}
	}
	return out
}

// Fetched reports whether m was successfully extracted. Snapshots built
// without FetchedMarkets count every market that appears in Rows.
func (s *Snapshot) Fetched(m Market) bool {
	if len(s.FetchedMarkets) == 0 {
		for _, r := range s.Rows {
			if ParseMarket(strings.ToUpper(strings.TrimSpace(r.Market))) == m {
				return true
			}
		}
		return false
	}
	for _, f := range s.FetchedMarkets {
		if f == m {
			return true
		}
	}
	return false
}
