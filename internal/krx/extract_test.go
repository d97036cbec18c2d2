package krx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

type fakeFetcher struct {
	rows  map[model.Market][]model.RawRow
	fail  map[model.Market]error
	calls []string
}

func (f *fakeFetcher) DailyListing(_ context.Context, m model.Market, tradeDate string) ([]model.RawRow, error) {
	f.calls = append(f.calls, string(m)+"@"+tradeDate)
	if err := f.fail[m]; err != nil {
		return nil, err
	}
	return f.rows[m], nil
}

func row(sym string, m model.Market) model.RawRow {
	return model.RawRow{Symbol: sym, Market: string(m), TradeDate: "20240115", Close: "100"}
}

func TestParseMarkets(t *testing.T) {
	assert.Equal(t, []model.Market{model.MarketKOSDAQ, model.MarketKONEX},
		ParseMarkets(" kosdaq, KONEX ,nyse,KOSDAQ"))
	assert.Empty(t, ParseMarkets("NASDAQ"))
}

func TestResolveTradeDate(t *testing.T) {
	sat := time.Date(2024, 1, 13, 10, 0, 0, 0, time.UTC)
	d, err := ResolveTradeDate("", sat)
	require.NoError(t, err)
	assert.Equal(t, "20240112", d)

	d, err = ResolveTradeDate("2024-01-15", sat)
	require.NoError(t, err)
	assert.Equal(t, "20240115", d)

	_, err = ResolveTradeDate("15/01/2024x", sat)
	assert.Error(t, err)
}

func TestExtract_DefaultMarkets(t *testing.T) {
	f := &fakeFetcher{rows: map[model.Market][]model.RawRow{
		model.MarketKOSPI:  {row("TICK1", model.MarketKOSPI)},
		model.MarketKOSDAQ: {row("TICK2", model.MarketKOSDAQ)},
		model.MarketKONEX:  {row("TICK3", model.MarketKONEX)},
	}}
	x := NewExtractor(f, nil, time.UTC, nil)

	snap, err := x.Extract(context.Background(), "20240115", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"KOSPI@20240115", "KOSDAQ@20240115"}, f.calls)
	assert.Len(t, snap.Rows, 2)
	assert.Equal(t, []model.Market{model.MarketKOSPI, model.MarketKOSDAQ}, snap.FetchedMarkets)
	assert.Empty(t, snap.FailedMarkets)
}

func TestExtract_PartialFailureRecorded(t *testing.T) {
	f := &fakeFetcher{
		rows: map[model.Market][]model.RawRow{model.MarketKOSPI: {row("TICK1", model.MarketKOSPI)}},
		fail: map[model.Market]error{model.MarketKOSDAQ: errors.New("502")},
	}
	snap, err := NewExtractor(f, nil, time.UTC, nil).Extract(context.Background(), "20240115", "KOSPI,KOSDAQ,KONEX")
	require.NoError(t, err)
	assert.Equal(t, []model.Market{model.MarketKOSPI}, snap.FetchedMarkets)
	// KONEX returned nothing and counts as failed
	assert.Equal(t, []model.Market{model.MarketKOSDAQ, model.MarketKONEX}, snap.FailedMarkets)
	assert.False(t, snap.Fetched(model.MarketKOSDAQ))
}

func TestExtract_Errors(t *testing.T) {
	f := &fakeFetcher{fail: map[model.Market]error{model.MarketKOSPI: errors.New("boom")}}
	x := NewExtractor(f, nil, time.UTC, nil)

	_, err := x.Extract(context.Background(), "20240115", "KOSPI")
	assert.ErrorIs(t, err, ErrAllMarketsFailed)

	_, err = x.Extract(context.Background(), "20240115", "NYSE")
	assert.ErrorIs(t, err, ErrNoMarkets)
}
