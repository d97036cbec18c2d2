package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/publisher"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// maxSummaryErrors bounds RunSummary.Errors.
const maxSummaryErrors = 5

// TaskLogger persists run bookkeeping; *store.PostgresStore satisfies it.
type TaskLogger interface {
	RecordTaskLog(ctx context.Context, t model.TaskLog) error
}

// Refresher runs after a successful load.
type Refresher interface {
	RefreshOnce(ctx context.Context) error
}

type EventPublisher interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
}

// RunSummary is what one pipeline run reports.
type RunSummary struct {
	TaskID        string    `json:"task_id"`
	Source        string    `json:"source"`
	TradeDate     string    `json:"trade_date"`
	Extracted     int       `json:"extracted"`
	Transformed   int       `json:"transformed"`
	NewSecurities int       `json:"new_securities"`
	Deactivated   int       `json:"deactivated"`
	Loaded        int       `json:"loaded"`
	Updated       int       `json:"updated"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Rejected      int       `json:"rejected"`
	MappingMisses int       `json:"mapping_misses"`
	SuccessRate   float64   `json:"success_rate"`
	FailedMarkets []string  `json:"failed_markets,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	Duration      float64   `json:"duration_seconds"`
}

func (s *RunSummary) addError(msg string) {
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, msg)
	}
}

func (s *RunSummary) asMap() map[string]any {
	return map[string]any{
		"trade_date":     s.TradeDate,
		"extracted":      s.Extracted,
		"transformed":    s.Transformed,
		"new_securities": s.NewSecurities,
		"deactivated":    s.Deactivated,
		"loaded":         s.Loaded,
		"updated":        s.Updated,
		"failed":         s.Failed,
		"skipped":        s.Skipped,
		"rejected":       s.Rejected,
		"mapping_misses": s.MappingMisses,
		"success_rate":   s.SuccessRate,
		"failed_markets": s.FailedMarkets,
	}
}

type ServiceConfig struct {
	StageTimeout time.Duration
	EventSubject string
	Location     *time.Location // trade-date fallback for task ids
}

// Service runs a source's stages in order and does the run bookkeeping.
type Service struct {
	tasks     TaskLogger
	pub       EventPublisher
	refresher Refresher
	cfg       ServiceConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the orchestrator. tasks, pub and refresher may be nil.
func NewService(tasks TaskLogger, pub EventPublisher, refresher Refresher, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{tasks: tasks, pub: pub, refresher: refresher, cfg: cfg, logger: logger, now: time.Now}
}

// TaskID formats "<source>_<trade date>_<YYYYMMDD_HHMMSS>" in lower case.
func TaskID(source, tradeDate string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(source), tradeDate, at.Format("20060102_150405"))
}

// Run executes extract, transform and load for src. The returned summary is
// populated as far as the run got, including on error.
func (s *Service) Run(ctx context.Context, src Source, params Params) (*RunSummary, error) {
	if params == nil {
		params = Params{}
	}
	started := s.now()
	name := src.Name()
	tradeDate := strings.ReplaceAll(params.String("trade_date"), "-", "")
	if tradeDate == "" {
		tradeDate = started.In(s.cfg.Location).Format("20060102")
	}
	sum := &RunSummary{
		TaskID:    TaskID(name, tradeDate, started.In(s.cfg.Location)),
		Source:    name,
		TradeDate: tradeDate,
		StartedAt: started.UTC(),
	}
	log := s.logger.With(zap.String("task_id", sum.TaskID), zap.String("source", name))
	s.recordTask(ctx, sum, params, model.TaskRunning, nil)
	log.Info("pipeline.started", zap.Any("params", map[string]any(params)))

	err := s.run(ctx, src, params, sum, log)
	sum.Duration = s.now().Sub(started).Seconds()

	if err != nil {
		sum.addError(err.Error())
		metrics.IncError("pipeline", "run_failed")
		s.recordTask(ctx, sum, params, model.TaskFailed, err)
		s.publish(ctx, sum, model.EventPipelineFailed, log)
		log.Error("pipeline.failed", zap.Error(err), zap.Float64("duration_s", sum.Duration))
		return sum, err
	}

	metrics.SetLastSuccess(name, s.now())
	s.recordTask(ctx, sum, params, model.TaskSuccess, nil)
	s.publish(ctx, sum, model.EventPipelineDone, log)
	log.Info("pipeline.completed",
		zap.Int("extracted", sum.Extracted),
		zap.Int("transformed", sum.Transformed),
		zap.Int("loaded", sum.Loaded),
		zap.Int("updated", sum.Updated),
		zap.Int("failed", sum.Failed),
		zap.Float64("success_rate", sum.SuccessRate),
		zap.Float64("duration_s", sum.Duration))
	return sum, nil
}

func (s *Service) run(ctx context.Context, src Source, params Params, sum *RunSummary, log *zap.Logger) error {
	var snap *model.Snapshot
	err := s.stage(ctx, src.Name(), "extract", func(ctx context.Context) error {
		var err error
		snap, err = src.Extract(ctx, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	snap.TaskID = sum.TaskID
	if snap.TradeDate != "" {
		sum.TradeDate = snap.TradeDate
	}
	sum.Extracted = len(snap.Rows)
	for _, m := range snap.FailedMarkets {
		sum.FailedMarkets = append(sum.FailedMarkets, string(m))
		sum.addError("market " + string(m) + " not extracted")
	}
	log.Info("pipeline.extracted", zap.Int("rows", sum.Extracted), zap.Strings("failed_markets", sum.FailedMarkets))

	var batch *Batch
	err = s.stage(ctx, src.Name(), "transform", func(ctx context.Context) error {
		var err error
		batch, err = src.Transform(ctx, snap, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	sum.Transformed = len(batch.Records)
	sum.NewSecurities = len(batch.NewSecurities)
	sum.Deactivated = len(batch.Deactivated)
	sum.Rejected = batch.Rejected
	sum.MappingMisses = batch.MappingMisses
	for _, e := range batch.Errors {
		sum.addError(e)
	}
	log.Info("pipeline.transformed",
		zap.Int("records", sum.Transformed),
		zap.Int("rejected", sum.Rejected),
		zap.Bool("mapping_from_cache", batch.FromCache))

	var res *load.Result
	err = s.stage(ctx, src.Name(), "load", func(ctx context.Context) error {
		var err error
		res, err = src.Load(ctx, batch, params)
		return err
	})
	if res != nil {
		sum.Loaded = res.Applied
		sum.Updated = res.Updated
		sum.Failed = res.Failed
		sum.Skipped = res.Skipped
		sum.SuccessRate = res.SuccessRate()
		if res.NewSecurities > sum.NewSecurities {
			sum.NewSecurities = res.NewSecurities
		}
		for _, f := range res.Errors {
			sum.addError(f.Reason)
		}
	}
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	if s.refresher != nil && res != nil && res.Applied+res.Updated > 0 {
		if err := s.stage(ctx, src.Name(), "refresh", s.refresher.RefreshOnce); err != nil {
			log.Warn("pipeline.refresh_failed", zap.Error(err))
		}
	}
	return nil
}

// stage runs fn under the stage timeout and records its duration.
func (s *Service) stage(ctx context.Context, source, name string, fn func(context.Context) error) error {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
	defer cancel()
	defer metrics.ObserveDuration(metrics.StageDuration, start, source, name)

	err := fn(sctx)
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s stage timed out after %s: %w", name, s.cfg.StageTimeout, err)
	}
	return err
}

func (s *Service) recordTask(ctx context.Context, sum *RunSummary, params Params, status string, runErr error) {
	if s.tasks == nil {
		return
	}
	t := model.TaskLog{
		CrawlerType:    strings.ToLower(sum.Source),
		TaskID:         sum.TaskID,
		Status:         status,
		StartTime:      sum.StartedAt,
		Parameters:     map[string]any(params),
		ItemsCollected: int64(sum.Extracted),
		ItemsProcessed: int64(sum.Loaded + sum.Updated),
		ItemsFailed:    int64(sum.Failed + sum.Rejected),
	}
	if status != model.TaskRunning {
		end := s.now().UTC()
		t.EndTime = &end
		t.ExecutionTime = sum.Duration
		t.ResultSummary = sum.asMap()
	}
	if runErr != nil {
		t.ErrorMessage = runErr.Error()
	}
	// bookkeeping must not fail the run
	if err := s.tasks.RecordTaskLog(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Warn("pipeline.task_log_failed", zap.String("task_id", sum.TaskID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, sum *RunSummary, eventType string, log *zap.Logger) {
	if s.pub == nil {
		return
	}
	env, err := publisher.NewEnvelope(sum.Source, eventType, publisher.CorrelationID(sum.TaskID), sum)
	if err == nil {
		err = s.pub.PublishEnvelope(context.WithoutCancel(ctx), publisher.Subject(s.cfg.EventSubject, eventType), env)
	}
	if err != nil {
		log.Warn("pipeline.event_publish_failed", zap.String("event", eventType), zap.Error(err))
	}
}
