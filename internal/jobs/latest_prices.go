package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/publisher"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

const refreshLatestSQL = `REFRESH MATERIALIZED VIEW CONCURRENTLY market.krs_latest_prices`

// DBExecutor is the subset of pgxpool.Pool the refresher needs.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LatestPriceRefresher rebuilds the latest-price view after a load and
// announces it on the bus. It can also run on an interval.
type LatestPriceRefresher struct {
	logger   *zap.Logger
	db       DBExecutor
	bus      publisher.Bus
	subject  string
	source   string
	interval time.Duration
	stopCh   chan struct{}
}

func NewLatestPriceRefresher(logger *zap.Logger, db DBExecutor, bus publisher.Bus, subjectBase, source string, interval time.Duration) *LatestPriceRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = publisher.Noop{}
	}
	return &LatestPriceRefresher{
		logger:   logger,
		db:       db,
		bus:      bus,
		subject:  publisher.Subject(subjectBase, model.EventLatestRefreshed),
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start refreshes every interval until Stop or ctx is done.
func (r *LatestPriceRefresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("latest_refresher.started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ticker.C:
			_ = r.RefreshOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("latest_refresher.stopped")
			return
		case <-ctx.Done():
			r.logger.Info("latest_refresher.stopped", zap.Error(ctx.Err()))
			return
		}
	}
}

func (r *LatestPriceRefresher) Stop() {
	close(r.stopCh)
}

// RefreshOnce runs one refresh. A publish failure is logged, not returned.
func (r *LatestPriceRefresher) RefreshOnce(ctx context.Context) error {
	start := time.Now()
	if _, err := r.db.Exec(ctx, refreshLatestSQL); err != nil {
		metrics.IncError("jobs", "latest_refresh")
		r.logger.Error("latest_refresher.refresh_failed", zap.Error(err))
		return fmt.Errorf("refresh latest prices: %w", err)
	}
	metrics.ObserveDuration(metrics.StageDuration, start, r.source, "refresh_latest")

	env, err := publisher.NewEnvelope(r.source, model.EventLatestRefreshed, publisher.CorrelationID(""), map[string]any{
		"view":        "market.krs_latest_prices",
		"duration_ms": time.Since(start).Milliseconds(),
		"at":          time.Now().UTC(),
	})
	if err == nil {
		err = r.bus.PublishEnvelope(ctx, r.subject, env)
	}
	if err != nil {
		r.logger.Warn("latest_refresher.publish_failed", zap.Error(err))
	}

	r.logger.Info("latest_refresher.success", zap.Duration("duration", time.Since(start)))
	return nil
}
