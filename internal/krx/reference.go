package krx

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/normalize"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// ErrReferenceNotFound means the listing-info report has no row for the symbol.
var ErrReferenceNotFound = errors.New("krx: no listing info for symbol")

type infoFetcher interface {
	listingInfo(ctx context.Context, market model.Market) ([]infoRow, error)
}

// ReferenceIndex answers per-symbol lookups from the listing-info report,
// fetched at most once per market for the lifetime of the index.
type ReferenceIndex struct {
	client infoFetcher
	logger *zap.Logger

	mu      sync.Mutex
	markets map[model.Market]*marketIndex
}

type marketIndex struct {
	refs map[string]*model.Reference
	err  error
}

func NewReferenceIndex(client *Client, logger *zap.Logger) *ReferenceIndex {
	return newReferenceIndex(client, logger)
}

func newReferenceIndex(client infoFetcher, logger *zap.Logger) *ReferenceIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceIndex{client: client, logger: logger, markets: map[model.Market]*marketIndex{}}
}

// Lookup returns reference data for symbol. A symbol not found on market is
// searched in the other markets already loaded.
func (r *ReferenceIndex) Lookup(ctx context.Context, symbol string, market model.Market) (*model.Reference, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	idx := r.load(ctx, market)
	if idx.err != nil {
		return nil, idx.err
	}
	if ref, ok := idx.refs[symbol]; ok {
		return ref, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for m, other := range r.markets {
		if m == market || other.err != nil {
			continue
		}
		if ref, ok := other.refs[symbol]; ok {
			return ref, nil
		}
	}
	return nil, ErrReferenceNotFound
}

// Reset drops every loaded market so the next lookup refetches.
func (r *ReferenceIndex) Reset() {
	r.mu.Lock()
	r.markets = map[model.Market]*marketIndex{}
	r.mu.Unlock()
}

func (r *ReferenceIndex) load(ctx context.Context, market model.Market) *marketIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.markets[market]; ok {
		return idx
	}

	idx := &marketIndex{refs: map[string]*model.Reference{}}
	rows, err := r.client.listingInfo(ctx, market)
	if err != nil {
		idx.err = err
		r.logger.Warn("krx.reference_index_failed", zap.String("market", string(market)), zap.Error(err))
	}
	for _, row := range rows {
		ref := &model.Reference{
			ISIN:          strings.TrimSpace(row.ISIN),
			NameEN:        strings.TrimSpace(row.NameEN),
			SecurityGroup: strings.TrimSpace(row.SecurityGroup),
			StockKind:     strings.TrimSpace(row.StockKind),
			ParValue:      strings.TrimSpace(row.ParValue),
		}
		if d, err := normalize.ParseTradeDate(row.ListDate); err == nil {
			ref.ListedAt = &d
		}
		idx.refs[strings.ToUpper(strings.TrimSpace(row.Symbol))] = ref
	}
	r.markets[market] = idx
	r.logger.Debug("krx.reference_index_loaded", zap.String("market", string(market)), zap.Int("symbols", len(idx.refs)))
	return idx
}
