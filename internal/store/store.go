package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnavailable is returned when no Postgres pool was configured.
var ErrUnavailable = errors.New("postgres unavailable")

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresStore persists the security master, daily prices and task logs.
type PostgresStore struct {
	PG     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool. An empty pgURL yields a store whose writes fail
// with ErrUnavailable.
func NewPostgres(ctx context.Context, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pgURL == "" {
		return &PostgresStore{logger: logger}, nil
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{PG: pool, logger: logger}, nil
}

// NewRedis dials and pings Redis. Callers treat a failure as "no cache tier".
func NewRedis(ctx context.Context, addr string, db int, password string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address not configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.PG == nil {
		return ErrUnavailable
	}
	if _, err := s.PG.Exec(ctx, schemaSQL); err != nil {
		s.logger.Error("store.pg.ensure_schema_failed", zap.Error(err))
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Exec lets jobs run ad-hoc statements against the pool.
func (s *PostgresStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.PG == nil {
		return pgconn.CommandTag{}, ErrUnavailable
	}
	return s.PG.Exec(ctx, sql, args...)
}

// ListActiveSecurities returns the active master rows of scope.
func (s *PostgresStore) ListActiveSecurities(ctx context.Context, scope model.Scope) ([]model.Security, error) {
	if s.PG == nil {
		return nil, ErrUnavailable
	}
	rows, err := s.PG.Query(ctx, `
		SELECT id, symbol, name, market, country_code, currency, asset_type,
		       is_active, listed_at, delisted_at, metadata,
		       created_by, updated_by, created_at, updated_at
		FROM market.asset_master
		WHERE country_code = $1 AND asset_type = $2 AND is_active
		ORDER BY symbol;
	`, scope.CountryCode, scope.AssetType)
	if err != nil {
		return nil, fmt.Errorf("list active securities: %w", err)
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		var (
			sec    model.Security
			market string
			meta   []byte
		)
		if err := rows.Scan(
			&sec.ID, &sec.Symbol, &sec.Name, &market, &sec.CountryCode, &sec.Currency, &sec.AssetType,
			&sec.IsActive, &sec.ListedAt, &sec.DelistedAt, &meta,
			&sec.CreatedBy, &sec.UpdatedBy, &sec.CreatedAt, &sec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan security: %w", err)
		}
		sec.Market = model.ParseMarket(market)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sec.Metadata); err != nil {
				s.logger.Warn("store.pg.metadata_decode_failed",
					zap.String("security_id", sec.ID), zap.Error(err))
			}
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// InsertSecurities writes new master rows in a single transaction.
// Any failure rolls back every row.
// IssuedSecurityIDs returns every identifier carrying prefix, including
// deactivated securities.
func (s *PostgresStore) IssuedSecurityIDs(ctx context.Context, prefix string) ([]string, error) {
	if s.PG == nil {
		return nil, ErrUnavailable
	}
	rows, err := s.PG.Query(ctx, `SELECT id FROM market.asset_master WHERE id LIKE $1;`, prefix+"-%")
	if err != nil {
		return nil, fmt.Errorf("list issued security ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan security id: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertSecurities(ctx context.Context, secs []model.Security) error {
	if len(secs) == 0 {
		return nil
	}
	if s.PG == nil {
		return ErrUnavailable
	}
	err := pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		return execSecurityBatch(ctx, tx, insertSecuritySQL, secs)
	})
	if err != nil {
		s.logger.Error("store.pg.insert_securities_failed", zap.Int("count", len(secs)), zap.Error(err))
		return fmt.Errorf("insert securities: %w", err)
	}
	return nil
}

// EnsureSecurities inserts rows whose id is not yet present and returns how many were written.
func (s *PostgresStore) EnsureSecurities(ctx context.Context, secs []model.Security) (int64, error) {
	if len(secs) == 0 {
		return 0, nil
	}
	if s.PG == nil {
		return 0, ErrUnavailable
	}
	var written int64
	err := pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, sec := range secs {
			b.Queue(insertSecuritySQL+" ON CONFLICT (id) DO NOTHING", securityArgs(sec)...)
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for range secs {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			written += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		s.logger.Error("store.pg.ensure_securities_failed", zap.Error(err))
		return 0, fmt.Errorf("ensure securities: %w", err)
	}
	return written, nil
}

// DeactivateSecurities flags ids inactive, stamping delisted_at and updated_by.
func (s *PostgresStore) DeactivateSecurities(ctx context.Context, ids []string, at time.Time, actor string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if s.PG == nil {
		return 0, ErrUnavailable
	}
	var affected int64
	err := pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE market.asset_master
			SET is_active = FALSE,
			    delisted_at = $2,
			    updated_by = $3,
			    updated_at = NOW()
			WHERE id = ANY($1) AND is_active;
		`, ids, at, actor)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		s.logger.Error("store.pg.deactivate_securities_failed", zap.Int("count", len(ids)), zap.Error(err))
		return 0, fmt.Errorf("deactivate securities: %w", err)
	}
	return affected, nil
}

// ExistingSecurityIDs reports which of ids are present in the master, active or not.
func (s *PostgresStore) ExistingSecurityIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if s.PG == nil {
		return nil, ErrUnavailable
	}
	rows, err := s.PG.Query(ctx, `SELECT id FROM market.asset_master WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("existing security ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertPrices writes recs in one transaction and reports how many rows were
// inserted and how many already existed and were updated.
func (s *PostgresStore) UpsertPrices(ctx context.Context, recs []model.PriceRecord) (inserted, updated int64, err error) {
	if len(recs) == 0 {
		return 0, 0, nil
	}
	if s.PG == nil {
		return 0, 0, ErrUnavailable
	}
	err = pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, r := range recs {
			b.Queue(upsertPriceSQL, priceArgs(r)...)
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for range recs {
			var isInsert bool
			if err := br.QueryRow().Scan(&isInsert); err != nil {
				return err
			}
			if isInsert {
				inserted++
			} else {
				updated++
			}
		}
		return br.Close()
	})
	if err != nil {
		s.logger.Error("store.pg.upsert_prices_failed", zap.Int("count", len(recs)), zap.Error(err))
		return 0, 0, fmt.Errorf("upsert prices: %w", err)
	}
	return inserted, updated, nil
}

// InsertPrices writes recs with plain inserts in one transaction. A key
// conflict fails the whole batch.
func (s *PostgresStore) InsertPrices(ctx context.Context, recs []model.PriceRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if s.PG == nil {
		return 0, ErrUnavailable
	}
	err := pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		return execPriceBatch(ctx, tx, recs)
	})
	if err != nil {
		s.logger.Error("store.pg.insert_prices_failed", zap.Int("count", len(recs)), zap.Error(err))
		return 0, fmt.Errorf("insert prices: %w", err)
	}
	return int64(len(recs)), nil
}

// ReplacePrices deletes every row of the given trade dates and inserts recs,
// all in one transaction.
func (s *PostgresStore) ReplacePrices(ctx context.Context, dates []time.Time, recs []model.PriceRecord) (deleted, inserted int64, err error) {
	if s.PG == nil {
		return 0, 0, ErrUnavailable
	}
	err = pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		if len(dates) > 0 {
			tag, err := tx.Exec(ctx, `DELETE FROM market.krs_daily_prices WHERE trade_date = ANY($1)`, dates)
			if err != nil {
				return err
			}
			deleted = tag.RowsAffected()
		}
		return execPriceBatch(ctx, tx, recs)
	})
	if err != nil {
		s.logger.Error("store.pg.replace_prices_failed", zap.Int("dates", len(dates)), zap.Error(err))
		return 0, 0, fmt.Errorf("replace prices: %w", err)
	}
	return deleted, int64(len(recs)), nil
}

// RecordTaskLog upserts the run row keyed by task_id.
func (s *PostgresStore) RecordTaskLog(ctx context.Context, t model.TaskLog) error {
	if s.PG == nil {
		return ErrUnavailable
	}
	params, err := jsonOrNil(t.Parameters)
	if err != nil {
		return fmt.Errorf("encode task parameters: %w", err)
	}
	summary, err := jsonOrNil(t.ResultSummary)
	if err != nil {
		return fmt.Errorf("encode task summary: %w", err)
	}
	var errMsg *string
	if t.ErrorMessage != "" {
		errMsg = &t.ErrorMessage
	}

	_, err = s.PG.Exec(ctx, `
		INSERT INTO crawler.crawler_task_logs (
			crawler_type, task_id, status, start_time, end_time, execution_time,
			parameters, result_summary, error_message,
			items_collected, items_processed, items_failed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			end_time = EXCLUDED.end_time,
			execution_time = EXCLUDED.execution_time,
			result_summary = EXCLUDED.result_summary,
			error_message = EXCLUDED.error_message,
			items_collected = EXCLUDED.items_collected,
			items_processed = EXCLUDED.items_processed,
			items_failed = EXCLUDED.items_failed,
			updated_at = NOW();
	`, t.CrawlerType, t.TaskID, t.Status, t.StartTime, t.EndTime, t.ExecutionTime,
		params, summary, errMsg,
		t.ItemsCollected, t.ItemsProcessed, t.ItemsFailed)
	if err != nil {
		s.logger.Error("store.pg.task_log_failed", zap.String("task_id", t.TaskID), zap.Error(err))
	}
	return err
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.PG == nil {
		return ErrUnavailable
	}
	if err := s.PG.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	return nil
}

const insertSecuritySQL = `
	INSERT INTO market.asset_master (
		id, symbol, name, market, country_code, currency, asset_type,
		is_active, listed_at, delisted_at, metadata,
		created_by, updated_by, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const priceColumns = `
		security_id, trade_date, open_price, high_price, low_price, close_price,
		volume, change_rate, change_amount, trading_value, market_cap,
		shares_outstanding, currency, data_source,
		created_by, updated_by, created_at, updated_at`

const insertPriceSQL = `
	INSERT INTO market.krs_daily_prices (` + priceColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

const upsertPriceSQL = insertPriceSQL + `
	ON CONFLICT (security_id, trade_date)
	DO UPDATE SET
		open_price = EXCLUDED.open_price,
		high_price = EXCLUDED.high_price,
		low_price = EXCLUDED.low_price,
		close_price = EXCLUDED.close_price,
		volume = EXCLUDED.volume,
		change_rate = EXCLUDED.change_rate,
		change_amount = EXCLUDED.change_amount,
		trading_value = EXCLUDED.trading_value,
		market_cap = EXCLUDED.market_cap,
		shares_outstanding = EXCLUDED.shares_outstanding,
		updated_by = EXCLUDED.updated_by,
		updated_at = EXCLUDED.updated_at
	RETURNING (xmax = 0)`

func execSecurityBatch(ctx context.Context, tx pgx.Tx, sql string, secs []model.Security) error {
	b := &pgx.Batch{}
	for _, sec := range secs {
		b.Queue(sql, securityArgs(sec)...)
	}
	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for _, sec := range secs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("security %s (%s): %w", sec.ID, sec.Symbol, err)
		}
	}
	return br.Close()
}

func execPriceBatch(ctx context.Context, tx pgx.Tx, recs []model.PriceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(insertPriceSQL, priceArgs(r)...)
	}
	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for _, r := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("price %s: %w", r.Key(), err)
		}
	}
	return br.Close()
}

func securityArgs(sec model.Security) []any {
	meta := "{}"
	if len(sec.Metadata) > 0 {
		if b, err := json.Marshal(sec.Metadata); err == nil {
			meta = string(b)
		}
	}
	now := time.Now().UTC()
	created, updated := sec.CreatedAt, sec.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	return []any{
		sec.ID, sec.Symbol, sec.Name, string(sec.Market), sec.CountryCode, sec.Currency, sec.AssetType,
		sec.IsActive, sec.ListedAt, sec.DelistedAt, meta,
		sec.CreatedBy, sec.UpdatedBy, created, updated,
	}
}

func priceArgs(r model.PriceRecord) []any {
	now := time.Now().UTC()
	created, updated := r.CreatedAt, r.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	return []any{
		r.SecurityID, r.TradeDate, r.Open, r.High, r.Low, r.Close,
		r.Volume, r.ChangeRate, r.ChangeAmount, r.TradingValue, r.MarketCap,
		r.SharesOutstanding, r.Currency, r.DataSource,
		r.CreatedBy, r.UpdatedBy, created, updated,
	}
}

func jsonOrNil(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
