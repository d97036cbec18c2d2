package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

type stubSource struct{}

func (stubSource) Name() string { return "KRX" }
func (stubSource) Extract(context.Context, pipeline.Params) (*model.Snapshot, error) {
	return nil, nil
}
func (stubSource) Transform(context.Context, *model.Snapshot, pipeline.Params) (*pipeline.Batch, error) {
	return nil, nil
}
func (stubSource) Load(context.Context, *pipeline.Batch, pipeline.Params) (*load.Result, error) {
	return nil, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	params  []pipeline.Params
	err     error
	release chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, src pipeline.Source, p pipeline.Params) (*pipeline.RunSummary, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.params = append(f.params, p)
	f.mu.Unlock()
	return &pipeline.RunSummary{TaskID: "krx_20240115_20240115_093005", Source: src.Name(), Loaded: 3}, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func newTestApp(r Runner, checks map[string]Check) (*fiber.App, *Handler) {
	reg := pipeline.NewRegistry()
	reg.Register(stubSource{})
	h := NewHandler(context.Background(), nil, r, reg)
	app := fiber.New()
	RegisterRoutes(app, h, checks)
	return app, h
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{}, map[string]Check{
		"store": func(context.Context) error { return nil },
		"cache": func(context.Context) error { return nil },
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])

	app, _ = newTestApp(&fakeRunner{}, map[string]Check{
		"store": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["store"])
}

func TestMetricsExposed(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSources(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/etl/sources", nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"KRX"}, decode(t, resp)["sources"])
}

func TestRunPipeline_Sync(t *testing.T) {
	r := &fakeRunner{}
	app, _ := newTestApp(r, nil)

	req := httptest.NewRequest(http.MethodPost, "/etl/pipeline/krx?async=false", strings.NewReader(`{"trade_date":"20240115","markets":"KOSPI"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), decode(t, resp)["loaded"])
	require.Equal(t, 1, r.calls())
	assert.Equal(t, "KOSPI", r.params[0].String("markets"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/etl/pipeline/krx/last", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunPipeline_SyncFailure(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{err: errors.New("extract: all markets failed")}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/etl/pipeline/krx?async=false", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRunPipeline_AsyncRejectsConcurrentRun(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	app, h := newTestApp(r, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/etl/pipeline/krx", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/etl/pipeline/krx", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(r.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, 1, r.calls())
}

func TestRunPipeline_UnknownSource(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/etl/pipeline/dart", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/etl/pipeline/krx/last", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunPipeline_InvalidParamsRejected(t *testing.T) {
	r := &fakeRunner{}
	app, _ := newTestApp(r, nil)

	for _, body := range []string{
		`{"trade_date":"2024-13-45"}`,
		`{"markets":"KOSPI,NYSE"}`,
		`{"load_mode":"merge"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/etl/pipeline/krx?async=false", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Zero(t, r.calls())
}

func TestRunRequestParams(t *testing.T) {
	off := false
	p := RunRequest{TradeDate: "20240115", LoadMode: "Replace", CalculateTradingValue: &off}.Params()
	assert.Equal(t, pipeline.Params{"trade_date": "20240115", "load_mode": "replace", "calculate_trading_value": false}, p)
	assert.Empty(t, RunRequest{}.Params())
}
