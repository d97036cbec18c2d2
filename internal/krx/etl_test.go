package krx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
	"github.com/hyperion-crawler/krx-etl/internal/reconcile"
	"github.com/hyperion-crawler/krx-etl/internal/transform"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

type fakeReconciler struct {
	res *reconcile.Result
	err error
}

func (f *fakeReconciler) Reconcile(context.Context, *model.Snapshot) (*reconcile.Result, error) {
	return f.res, f.err
}

type fakeApplier struct {
	mode    load.Mode
	secs    int
	records int
}

func (f *fakeApplier) Apply(_ context.Context, secs []model.Security, prices []model.PriceRecord, mode load.Mode) (*load.Result, error) {
	f.mode, f.secs, f.records = mode, len(secs), len(prices)
	return &load.Result{Applied: len(prices), NewSecurities: len(secs)}, nil
}

func fullRow(sym, close, high string) model.RawRow {
	return model.RawRow{
		Symbol: sym, Market: "KOSPI", TradeDate: "20240115",
		Open: "100,000", High: high, Low: "99,000", Close: close, Volume: "10", ChangeRate: "2.10",
	}
}

func newTestETL(rec *fakeReconciler, ap *fakeApplier, rows []model.RawRow) *ETL {
	f := &fakeFetcher{rows: map[model.Market][]model.RawRow{model.MarketKOSPI: rows}}
	x := NewExtractor(f, []model.Market{model.MarketKOSPI}, time.UTC, nil)
	return NewETL(x, rec, transform.New(transform.Config{}, nil), ap, load.ModeUpsert, nil)
}

func TestETL_RunsStages(t *testing.T) {
	ctx := context.Background()
	newSec := model.Security{ID: "KRS-NEW001", Symbol: "TICK2"}
	rec := &fakeReconciler{res: &reconcile.Result{
		Mapping:       model.Mapping{"TICK1|KOSPI": "KRS-ABC123", "TICK2|KOSPI": "KRS-NEW001"},
		NewSecurities: []model.Security{newSec},
	}}
	ap := &fakeApplier{}
	etl := newTestETL(rec, ap, []model.RawRow{
		fullRow("TICK1", "105,000", "106,000"),
		fullRow("TICK2", "105,000", "90"),      // high below close
		fullRow("TICK3", "105,000", "106,000"), // not mapped
	})
	assert.Equal(t, "KRX", etl.Name())

	snap, err := etl.Extract(ctx, pipeline.Params{"trade_date": "2024-01-15"})
	require.NoError(t, err)
	require.Len(t, snap.Rows, 3)

	batch, err := etl.Transform(ctx, snap, pipeline.Params{})
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, 2, batch.Rejected)
	assert.Equal(t, 1, batch.MappingMisses)
	assert.Len(t, batch.NewSecurities, 1)
	require.Len(t, batch.Errors, 2)
	assert.Contains(t, batch.Errors[0], "KOSPI/TICK2")
	assert.Contains(t, batch.Errors[1], "KOSPI/TICK3")

	res, err := etl.Load(ctx, batch, pipeline.Params{"load_mode": "replace"})
	require.NoError(t, err)
	assert.Equal(t, load.ModeReplace, ap.mode)
	assert.Equal(t, 1, ap.secs)
	assert.Equal(t, 1, res.Applied)
}

func TestETL_ReconcileFailureStopsTransform(t *testing.T) {
	etl := newTestETL(&fakeReconciler{err: reconcile.ErrDelistGuard}, &fakeApplier{}, nil)
	_, err := etl.Transform(context.Background(), &model.Snapshot{}, nil)
	assert.ErrorIs(t, err, reconcile.ErrDelistGuard)
}

func TestETL_LoadRejectsUnknownMode(t *testing.T) {
	ap := &fakeApplier{}
	etl := newTestETL(&fakeReconciler{}, ap, nil)
	_, err := etl.Load(context.Background(), &pipeline.Batch{}, pipeline.Params{"load_mode": "merge"})
	assert.True(t, errors.Is(err, load.ErrUnsupportedMode))

	_, err = etl.Load(context.Background(), &pipeline.Batch{}, nil)
	require.NoError(t, err)
	assert.Equal(t, load.ModeUpsert, ap.mode)
}
