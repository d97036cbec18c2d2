package krx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/normalize"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

var (
	ErrNoMarkets        = errors.New("krx: no valid markets requested")
	ErrAllMarketsFailed = errors.New("krx: every market failed to extract")
)

// DefaultMarkets are extracted when a run names none. KONEX must be asked for.
var DefaultMarkets = []model.Market{model.MarketKOSPI, model.MarketKOSDAQ}

// ParseMarkets reads a comma separated market list, dropping unknown and
// repeated names.
func ParseMarkets(v string) []model.Market {
	var out []model.Market
	seen := map[model.Market]bool{}
	for _, part := range strings.Split(v, ",") {
		m := model.ParseMarket(strings.ToUpper(strings.TrimSpace(part)))
		if m == model.MarketUnknown || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// LatestWeekday rolls Saturday and Sunday back to Friday.
func LatestWeekday(t time.Time) time.Time {
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// ResolveTradeDate returns param as YYYYMMDD, or the latest weekday of now.
func ResolveTradeDate(param string, now time.Time) (string, error) {
	if strings.TrimSpace(param) != "" {
		d, err := normalize.ParseTradeDate(param)
		if err != nil {
			return "", err
		}
		return normalize.CompactDate(d), nil
	}
	return normalize.CompactDate(LatestWeekday(now)), nil
}

type listingFetcher interface {
	DailyListing(ctx context.Context, market model.Market, tradeDate string) ([]model.RawRow, error)
}

// Extractor builds a day's snapshot one market at a time.
type Extractor struct {
	client   listingFetcher
	defaults []model.Market
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func NewExtractor(client listingFetcher, defaults []model.Market, loc *time.Location, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(defaults) == 0 {
		defaults = DefaultMarkets
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{client: client, defaults: defaults, loc: loc, now: time.Now, logger: logger}
}

// Extract fetches each requested market. A failing or empty market is
// recorded in FailedMarkets and the run continues; only when every market
// fails is an error returned.
func (x *Extractor) Extract(ctx context.Context, tradeDateParam, marketsParam string) (*model.Snapshot, error) {
	start := time.Now()
	markets := x.defaults
	if strings.TrimSpace(marketsParam) != "" {
		markets = ParseMarkets(marketsParam)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMarkets, marketsParam)
	}

	tradeDate, err := ResolveTradeDate(tradeDateParam, x.now().In(x.loc))
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{Source: model.SourceKRX, TradeDate: tradeDate, Markets: markets}
	var lastErr error
	for _, m := range markets {
		rows, err := x.client.DailyListing(ctx, m, tradeDate)
		if err == nil && len(rows) == 0 {
			err = errors.New("empty listing")
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			snap.FailedMarkets = append(snap.FailedMarkets, m)
			metrics.IncError("extract", "market_failed")
			x.logger.Warn("krx.market_extract_failed",
				zap.String("market", string(m)),
				zap.String("trade_date", tradeDate),
				zap.Error(err))
			continue
		}
		snap.FetchedMarkets = append(snap.FetchedMarkets, m)
		snap.Rows = append(snap.Rows, rows...)
		x.logger.Info("krx.market_extracted",
			zap.String("market", string(m)),
			zap.String("trade_date", tradeDate),
			zap.Int("rows", len(rows)))
	}

	if len(snap.FetchedMarkets) == 0 {
		return nil, fmt.Errorf("%w for %s: %v", ErrAllMarketsFailed, tradeDate, lastErr)
	}
	metrics.AddRows(model.SourceKRX, "extract", "ok", len(snap.Rows))
	x.logger.Info("krx.extract_completed",
		zap.String("trade_date", tradeDate),
		zap.Int("rows", len(snap.Rows)),
		zap.Int("failed_markets", len(snap.FailedMarkets)),
		zap.Duration("duration", time.Since(start)))
	return snap, nil
}
