package load

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// Mode selects how price rows are written.
type Mode string

const (
	ModeInsert  Mode = "insert"
	ModeUpsert  Mode = "upsert"
	ModeReplace Mode = "replace"
)

var ErrUnsupportedMode = errors.New("unsupported load mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInsert, ModeUpsert, ModeReplace:
		return m, nil
	case "":
		return ModeUpsert, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Store is the persistence the loader needs; *store.PostgresStore satisfies it.
type Store interface {
	EnsureSecurities(ctx context.Context, secs []model.Security) (int64, error)
	ExistingSecurityIDs(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertPrices(ctx context.Context, recs []model.PriceRecord) (inserted, updated int64, err error)
	InsertPrices(ctx context.Context, recs []model.PriceRecord) (int64, error)
	ReplacePrices(ctx context.Context, dates []time.Time, recs []model.PriceRecord) (deleted, inserted int64, err error)
}

type Config struct {
	Source         string
	BatchSize      int
	SkipZeroVolume bool
}

type Loader struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

func NewLoader(st Store, cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Source == "" {
		cfg.Source = model.SourceKRX
	}
	return &Loader{store: st, cfg: cfg, logger: logger}
}

// Apply writes newSecs (idempotently) and then prices according to mode.
// Row-level problems are counted on the Result; a returned error means the
// load as a whole failed.
func (l *Loader) Apply(ctx context.Context, newSecs []model.Security, prices []model.PriceRecord, mode Mode) (*Result, error) {
	switch mode {
	case ModeInsert, ModeUpsert, ModeReplace:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	start := time.Now()
	res := &Result{}

	if len(newSecs) > 0 {
		n, err := l.store.EnsureSecurities(ctx, newSecs)
		if err != nil {
			return res, fmt.Errorf("ensure new securities: %w", err)
		}
		res.NewSecurities = int(n)
	}

	batch := l.prepare(ctx, prices, res)

	var err error
	switch mode {
	case ModeUpsert:
		l.upsert(ctx, batch, res)
	case ModeInsert:
		err = l.insert(ctx, batch, res)
	case ModeReplace:
		err = l.replace(ctx, batch, res)
	}

	metrics.AddRows(l.cfg.Source, "load", "applied", res.Applied)
	metrics.AddRows(l.cfg.Source, "load", "updated", res.Updated)
	metrics.AddRows(l.cfg.Source, "load", "failed", res.Failed)
	metrics.AddRows(l.cfg.Source, "load", "skipped", res.Skipped)

	if err != nil {
		l.logger.Error("load.failed", zap.String("mode", string(mode)), zap.Error(err))
		return res, err
	}
	l.logger.Info("load.completed",
		zap.String("mode", string(mode)),
		zap.Int("applied", res.Applied),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Float64("success_rate", res.SuccessRate()),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// prepare drops invalid, duplicate, holiday and unknown-identifier rows.
func (l *Loader) prepare(ctx context.Context, prices []model.PriceRecord, res *Result) []model.PriceRecord {
	seen := make(map[string]struct{}, len(prices))
	candidates := make([]model.PriceRecord, 0, len(prices))
	for _, p := range prices {
		switch {
		case p.SecurityID == "" || p.TradeDate.IsZero() || !p.Close.Valid:
			res.AddFailure("missing required field", p)
			continue
		case p.Volume != nil && *p.Volume == 0 && l.cfg.SkipZeroVolume:
			res.AddSkipped(1)
			continue
		}
		key := p.Key()
		if _, dup := seen[key]; dup {
			res.AddFailure("duplicate key "+key, p)
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, 0, len(candidates))
	idSeen := make(map[string]struct{})
	for _, p := range candidates {
		if _, ok := idSeen[p.SecurityID]; !ok {
			idSeen[p.SecurityID] = struct{}{}
			ids = append(ids, p.SecurityID)
		}
	}
	known, err := l.store.ExistingSecurityIDs(ctx, ids)
	if err != nil {
		// the write itself will surface foreign key problems
		l.logger.Warn("load.identifier_check_failed", zap.Error(err))
		return candidates
	}
	out := candidates[:0]
	for _, p := range candidates {
		if !known[p.SecurityID] {
			res.AddFailure("unknown security "+p.SecurityID, p)
			continue
		}
		out = append(out, p)
	}
	return out
}

func (l *Loader) upsert(ctx context.Context, recs []model.PriceRecord, res *Result) {
	for _, chunk := range chunks(recs, l.cfg.BatchSize) {
		inserted, updated, err := l.store.UpsertPrices(ctx, chunk)
		if err != nil {
			l.logger.Warn("load.upsert_batch_failed", zap.Int("size", len(chunk)), zap.Error(err))
			res.AddFailures(len(chunk), err.Error(), chunk[0])
			continue
		}
		res.AddApplied(int(inserted))
		res.AddUpdated(int(updated))
	}
}

func (l *Loader) insert(ctx context.Context, recs []model.PriceRecord, res *Result) error {
	for i, chunk := range chunks(recs, l.cfg.BatchSize) {
		n, err := l.store.InsertPrices(ctx, chunk)
		if err != nil {
			res.AddFailures(len(chunk), err.Error(), chunk[0])
			return fmt.Errorf("insert batch %d: %w", i, err)
		}
		res.AddApplied(int(n))
	}
	return nil
}

func (l *Loader) replace(ctx context.Context, recs []model.PriceRecord, res *Result) error {
	dates := tradeDates(recs)
	if len(dates) == 0 {
		return nil
	}
	deleted, inserted, err := l.store.ReplacePrices(ctx, dates, recs)
	if err != nil {
		res.AddFailures(len(recs), err.Error(), recs[0])
		return fmt.Errorf("replace prices: %w", err)
	}
	res.Deleted = int(deleted)
	res.AddApplied(int(inserted))
	return nil
}

func chunks(recs []model.PriceRecord, size int) [][]model.PriceRecord {
	var out [][]model.PriceRecord
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[start:end])
	}
	return out
}

func tradeDates(recs []model.PriceRecord) []time.Time {
	set := make(map[time.Time]struct{})
	for _, r := range recs {
		set[r.TradeDate] = struct{}{}
	}
	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
