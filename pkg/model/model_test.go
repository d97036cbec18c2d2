package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMappingLookup(t *testing.T) {
	m := MappingFromSecurities([]Security{
		{ID: "KRS-ABC123", Symbol: "tick1", Market: MarketKOSPI, IsActive: true},
		{ID: "KRS-OLD001", Symbol: "GONE", Market: MarketKOSPI, IsActive: false},
	})
	assert.Len(t, m, 1)

	id, ok := m.Lookup(" TICK1 ", MarketKOSPI)
	assert.True(t, ok)
	assert.Equal(t, "KRS-ABC123", id)

	// moved venue resolves through the symbol alone
	id, ok = m.Lookup("TICK1", MarketKOSDAQ)
	assert.True(t, ok)
	assert.Equal(t, "KRS-ABC123", id)

	_, ok = m.Lookup("TICK", MarketKOSPI)
	assert.False(t, ok)
	_, ok = m.Lookup("GONE", MarketKOSPI)
	assert.False(t, ok)
}

func TestSnapshotFetched(t *testing.T) {
	s := &Snapshot{Rows: []RawRow{{Symbol: "A", Market: "kospi"}}}
	assert.True(t, s.Fetched(MarketKOSPI))
	assert.False(t, s.Fetched(MarketKOSDAQ))

	s.FetchedMarkets = []Market{MarketKOSDAQ}
	assert.False(t, s.Fetched(MarketKOSPI))
	assert.True(t, s.Fetched(MarketKOSDAQ))
}

func TestObservedSymbolsKeepsFirstMarket(t *testing.T) {
	s := &Snapshot{Rows: []RawRow{
		{Symbol: "a", Market: "KOSPI"},
		{Symbol: "A", Market: "KOSDAQ"},
		{Symbol: " ", Market: "KOSPI"},
	}}
	obs := s.ObservedSymbols()
	assert.Len(t, obs, 1)
	assert.Equal(t, "KOSPI", obs["A"].Market)
}

func TestReferenceMetadata(t *testing.T) {
	var nilRef *Reference
	assert.Empty(t, nilRef.Metadata())

	listed := time.Date(2001, 5, 2, 0, 0, 0, 0, time.UTC)
	r := &Reference{ISIN: "KR7000001000", StockKind: "보통주", ListedAt: &listed}
	assert.Equal(t, map[string]any{"isin": "KR7000001000", "stock_kind": "보통주"}, r.Metadata())
}

func TestPriceRecordKey(t *testing.T) {
	p := PriceRecord{SecurityID: "KRS-ABC123", TradeDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "KRS-ABC123|2024-01-15", p.Key())
}

func TestParseMarket(t *testing.T) {
	assert.Equal(t, MarketKONEX, ParseMarket("KONEX"))
	assert.Equal(t, MarketUnknown, ParseMarket("kospi"))
}
