package krx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
	"github.com/hyperion-crawler/krx-etl/internal/reconcile"
	"github.com/hyperion-crawler/krx-etl/internal/transform"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

type reconciler interface {
	Reconcile(ctx context.Context, snap *model.Snapshot) (*reconcile.Result, error)
}

type applier interface {
	Apply(ctx context.Context, newSecs []model.Security, prices []model.PriceRecord, mode load.Mode) (*load.Result, error)
}

// ETL is the KRX daily equity source.
type ETL struct {
	extractor   *Extractor
	engine      reconciler
	transformer *transform.Transformer
	loader      applier
	mode        load.Mode
	refs        *ReferenceIndex
	logger      *zap.Logger
}

// NewETL wires the KRX source. defaultMode applies when a run passes no load_mode.
func NewETL(x *Extractor, engine reconciler, t *transform.Transformer, l applier, defaultMode load.Mode, logger *zap.Logger) *ETL {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMode == "" {
		defaultMode = load.ModeUpsert
	}
	return &ETL{extractor: x, engine: engine, transformer: t, loader: l, mode: defaultMode, logger: logger}
}

// WithReferenceIndex makes every Extract drop the listing-info index so
// each run sees that day's reference data.
func (e *ETL) WithReferenceIndex(refs *ReferenceIndex) *ETL {
	e.refs = refs
	return e
}

func (e *ETL) Name() string { return model.SourceKRX }

func (e *ETL) Extract(ctx context.Context, params pipeline.Params) (*model.Snapshot, error) {
	if e.refs != nil {
		e.refs.Reset()
	}
	return e.extractor.Extract(ctx, params.String("trade_date"), params.String("markets"))
}

// Transform reconciles the master against snap first so every observed
// symbol has an identifier, then maps the rows to price records.
func (e *ETL) Transform(ctx context.Context, snap *model.Snapshot, params pipeline.Params) (*pipeline.Batch, error) {
	rec, err := e.engine.Reconcile(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	out, err := e.transformer.Transform(snap.Rows, rec.Mapping, transform.RulesFromParams(params))
	if err != nil {
		return nil, err
	}

	batch := &pipeline.Batch{
		NewSecurities: rec.NewSecurities,
		Deactivated:   rec.Deactivated,
		Records:       out.Records,
		Rejected:      len(out.Rejected),
		MappingMisses: out.MappingMisses,
		FromCache:     rec.FromCache,
	}
	for _, r := range out.Rejected {
		if len(batch.Errors) >= load.MaxErrors {
			break
		}
		batch.Errors = append(batch.Errors, fmt.Sprintf("%s/%s: %v", r.Row.Market, r.Row.Symbol, r.Err))
	}
	if rec.DeactivationFailed > 0 {
		e.logger.Warn("krx.deactivation_incomplete", zap.Int("failed", rec.DeactivationFailed))
	}
	return batch, nil
}

func (e *ETL) Load(ctx context.Context, batch *pipeline.Batch, params pipeline.Params) (*load.Result, error) {
	mode := e.mode
	if v := params.String("load_mode"); v != "" {
		m, err := load.ParseMode(v)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	return e.loader.Apply(ctx, batch.NewSecurities, batch.Records, mode)
}
