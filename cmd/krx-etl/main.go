package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/cache"
	"github.com/hyperion-crawler/krx-etl/internal/idgen"
	"github.com/hyperion-crawler/krx-etl/internal/jobs"
	"github.com/hyperion-crawler/krx-etl/internal/krx"
	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/internal/ops"
	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
	"github.com/hyperion-crawler/krx-etl/internal/publisher"
	"github.com/hyperion-crawler/krx-etl/internal/rate"
	"github.com/hyperion-crawler/krx-etl/internal/reconcile"
	internalsecrets "github.com/hyperion-crawler/krx-etl/internal/secrets"
	"github.com/hyperion-crawler/krx-etl/internal/store"
	"github.com/hyperion-crawler/krx-etl/internal/transform"
	"github.com/hyperion-crawler/krx-etl/pkg/config"
	"github.com/hyperion-crawler/krx-etl/pkg/logger"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
	"github.com/hyperion-crawler/krx-etl/pkg/secrets"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infow("starting [krx-etl]...", "mode", cfg.RunMode, "sources", cfg.Sources)

	// --- Database DSN (AWS secret or DATABASE_URL) ---
	var provider secrets.Provider
	if cfg.DBSecretName != "" {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Errorw("failed to create AWS Secrets Manager provider", "error", err)
			return 1
		}
		provider = awsProvider
	}
	resolver := internalsecrets.NewDSNResolver(logger.L(), provider, secrets.NewCache[string](cfg.SecretCacheTTL), cfg.DBSecretName, cfg.DatabaseURL)
	dsn, err := resolver.Resolve(ctx)
	if err != nil {
		logg.Errorw("failed to resolve database DSN", "error", err)
		return 1
	}

	// --- Store ---
	st, err := store.NewPostgres(ctx, dsn, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, logger.L())
	if err != nil {
		logg.Errorw("failed to init store", "error", err)
		return 1
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		logg.Errorw("failed to apply schema", "error", err)
		return 1
	}

	// --- Redis cache tier (optional) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass)
		if err != nil {
			logg.Warnw("redis unavailable; master cache runs memory-only", "addr", cfg.RedisAddr, "error", err)
			rdb = nil
		}
	}
	masterCache := cache.New(rdb, cache.Config{
		Prefix:      "krx",
		SyncDoneTTL: cfg.SyncDoneTTL,
		MappingTTL:  cfg.MappingTTL,
	}, logger.L())
	defer masterCache.Close()

	// --- Event bus ---
	bus := newBus(cfg, logger.L())
	defer bus.Close()

	loc := seoul()

	// --- KRX source ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.KRXRequestsPerSec,
		Burst:             cfg.KRXBurst,
	})
	client := krx.NewClient(krx.ClientConfig{
		BaseURL:  cfg.KRXBaseURL,
		RetryMax: cfg.KRXRetryMax,
		Timeout:  cfg.KRXHTTPTimeout,
	}, rateMgr, nil, logger.L())
	refs := krx.NewReferenceIndex(client, logger.L())

	engine := reconcile.NewEngine(st, masterCache, idgen.NewRandom(idgen.DefaultLength), refs, bus, reconcile.Config{
		Source:         model.SourceKRX,
		Prefix:         model.IDPrefixKRS,
		Scope:          model.KRStocks,
		MaxDelistRatio: cfg.MaxDelistRatio,
		LeaseTTL:       cfg.LeaseTTL,
		LeaseWait:      cfg.LeaseWait,
		Actor:          cfg.Actor,
		Location:       loc,
		EventSubject:   cfg.EventSubject,
	}, logger.L())

	transformer := transform.New(transform.Config{
		MarketCapThreshold: decimal.NewFromFloat(cfg.MarketCapThreshold),
		Actor:              cfg.Actor,
	}, logger.L())

	loader := load.NewLoader(st, load.Config{
		Source:         model.SourceKRX,
		BatchSize:      cfg.LoadBatchSize,
		SkipZeroVolume: cfg.SkipZeroVolume,
	}, logger.L())
	mode, err := load.ParseMode(cfg.LoadMode)
	if err != nil {
		logg.Errorw("invalid LOAD_MODE", "error", err)
		return 1
	}

	extractor := krx.NewExtractor(client, krx.ParseMarkets(strings.Join(cfg.KRXMarkets, ",")), loc, logger.L())
	registry := pipeline.NewRegistry()
	registry.Register(krx.NewETL(extractor, engine, transformer, loader, mode, logger.L()).WithReferenceIndex(refs))

	// --- Pipeline service ---
	var refresher pipeline.Refresher
	if cfg.RefreshLatestView {
		refresher = jobs.NewLatestPriceRefresher(logger.L(), st, bus, cfg.EventSubject, model.SourceKRX, 0)
	}
	svc := pipeline.NewService(st, bus, refresher, pipeline.ServiceConfig{
		StageTimeout: cfg.StageTimeout,
		EventSubject: cfg.EventSubject,
		Location:     loc,
	}, logger.L())

	// --- Ops HTTP server ---
	handler := ops.NewHandler(ctx, logger.L(), svc, registry)
	var app *fiber.App
	if cfg.OpsPort > 0 {
		app = fiber.New(fiber.Config{
			ReadTimeout:           cfg.HTTPReadTimeout,
			WriteTimeout:          cfg.HTTPWriteTimeout,
			IdleTimeout:           cfg.HTTPIdleTimeout,
			DisableStartupMessage: true,
		})
		checks := map[string]ops.Check{
			"store": st.HealthCheck,
			"cache": masterCache.HealthCheck,
		}
		if hc, ok := bus.(interface{ HealthCheck(context.Context) error }); ok {
			checks["bus"] = hc.HealthCheck
		}
		ops.RegisterRoutes(app, handler, checks)
		go func() {
			logg.Infof("ops HTTP listening on :%d", cfg.OpsPort)
			if err := app.Listen(fmt.Sprintf(":%d", cfg.OpsPort)); err != nil {
				logg.Warnw("fiber.listen_failed", "error", err)
			}
		}()
	}

	code := 0
	if cfg.RunMode == "serve" {
		logg.Infow("[krx-etl] serving", "ops_port", cfg.OpsPort)
		<-ctx.Done()
	} else {
		code = runOnce(ctx, cfg, registry, svc, logg)
	}

	logg.Info("shutting down [krx-etl]...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handler.Wait(shutdownCtx); err != nil {
		logg.Warnw("ops.wait_failed", "error", err)
	}
	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logg.Warnw("fiber.shutdown_failed", "error", err)
		}
	}
	return code
}

// runOnce runs every configured source and reports 1 if any failed.
func runOnce(ctx context.Context, cfg *config.Config, registry *pipeline.Registry, svc *pipeline.Service, logg *zap.SugaredLogger) int {
	params := pipeline.Params{}
	if cfg.TradeDate != "" {
		params["trade_date"] = cfg.TradeDate
	}
	code := 0
	for _, name := range cfg.Sources {
		src, err := registry.Get(name)
		if err != nil {
			logg.Errorw("pipeline.source_not_registered", "source", name, "available", registry.Names())
			code = 1
			continue
		}
		sum, err := svc.Run(ctx, src, params)
		if err != nil {
			logg.Errorw("pipeline.run_failed", "source", name, "error", err)
			code = 1
			continue
		}
		logg.Infow("pipeline.run_summary", "source", name, "task_id", sum.TaskID,
			"loaded", sum.Loaded, "updated", sum.Updated, "failed", sum.Failed, "success_rate", sum.SuccessRate)
	}
	return code
}

// newBus picks the event transport. An unreachable broker degrades to Noop.
func newBus(cfg *config.Config, log *zap.Logger) publisher.Bus {
	switch strings.ToLower(cfg.EventTransport) {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			log.Warn("publisher.nats_connect_failed", zap.String("url", cfg.NATSURL), zap.Error(err))
			return publisher.Noop{}
		}
		js, err := publisher.NewJetStream(nc, cfg.NATSStream, cfg.EventSubject, cfg.ServiceName)
		if err != nil {
			nc.Close()
			log.Warn("publisher.jetstream_init_failed", zap.Error(err))
			return publisher.Noop{}
		}
		return js
	case "rabbitmq", "amqp":
		p, err := publisher.NewAMQP(cfg.AMQPURL, cfg.EventSubject, cfg.ServiceName, log)
		if err != nil {
			log.Warn("publisher.amqp_connect_failed", zap.Error(err))
			return publisher.Noop{}
		}
		return p
	default:
		return publisher.Noop{}
	}
}

func seoul() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*60*60)
}
