// Package cache holds the day-scoped security master cache used by
// reconciliation. Lookups go memory → Redis; a miss in both sends the caller
// back to the durable store. Redis failures are logged and treated as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// Config controls key naming and expiry.
type Config struct {
	Prefix      string        // e.g. "krx"
	SyncDoneTTL time.Duration // > 24h so runs started before midnight still see the flag
	MappingTTL  time.Duration
}

// DefaultConfig is used for zero-valued fields.
var DefaultConfig = Config{
	Prefix:      "krx",
	SyncDoneTTL: 25 * time.Hour,
	MappingTTL:  24 * time.Hour,
}

// MasterCache is owned by one reconciliation engine. The memory tier only
// ever holds a single day and is dropped when a different day key is used.
type MasterCache struct {
	rdb    *redis.Client
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	day     string
	done    bool
	mapping model.Mapping
}

// New creates a cache. rdb may be nil, in which case only the memory tier is used.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *MasterCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig.Prefix
	}
	if cfg.SyncDoneTTL <= 0 {
		cfg.SyncDoneTTL = DefaultConfig.SyncDoneTTL
	}
	if cfg.MappingTTL <= 0 {
		cfg.MappingTTL = DefaultConfig.MappingTTL
	}
	return &MasterCache{rdb: rdb, logger: logger, cfg: cfg}
}

func (c *MasterCache) syncKey(day string) string {
	return fmt.Sprintf("%s:asset_sync:%s", c.cfg.Prefix, day)
}

func (c *MasterCache) mappingKey(day string) string {
	return fmt.Sprintf("%s:asset_mapping:%s", c.cfg.Prefix, day)
}

func (c *MasterCache) leaseKey(day string) string {
	return fmt.Sprintf("%s:asset_sync_lock:%s", c.cfg.Prefix, day)
}

// rollLocked switches the memory tier to day, discarding the previous day's state.
func (c *MasterCache) rollLocked(day string) {
	if c.day == day {
		return
	}
	c.day = day
	c.done = false
	c.mapping = nil
}

// Reset drops the memory tier.
func (c *MasterCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = ""
	c.done = false
	c.mapping = nil
}

// IsSyncDone reports whether reconciliation for day already completed.
func (c *MasterCache) IsSyncDone(ctx context.Context, day string) bool {
	c.mu.Lock()
	c.rollLocked(day)
	done := c.done
	c.mu.Unlock()
	if done {
		metrics.IncCacheAccess("memory", "hit")
		return true
	}
	metrics.IncCacheAccess("memory", "miss")

	if c.rdb == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, c.syncKey(day)).Result()
	if err != nil {
		metrics.IncCacheAccess("redis", "error")
		c.logger.Warn("cache.sync_flag_read_failed", zap.String("day", day), zap.Error(err))
		return false
	}
	if n == 0 {
		metrics.IncCacheAccess("redis", "miss")
		return false
	}
	metrics.IncCacheAccess("redis", "hit")

	c.mu.Lock()
	if c.day == day {
		c.done = true
	}
	c.mu.Unlock()
	return true
}

// MarkSyncDone records completion for day.
func (c *MasterCache) MarkSyncDone(ctx context.Context, day string) {
	c.mu.Lock()
	c.rollLocked(day)
	c.done = true
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.syncKey(day), time.Now().UTC().Format(time.RFC3339), c.cfg.SyncDoneTTL).Err(); err != nil {
		metrics.IncError("cache", "sync_flag_write_failed")
		c.logger.Warn("cache.sync_flag_write_failed", zap.String("day", day), zap.Error(err))
	}
}

// LoadMapping returns the cached identifier mapping for day, if any.
func (c *MasterCache) LoadMapping(ctx context.Context, day string) (model.Mapping, bool) {
	c.mu.Lock()
	c.rollLocked(day)
	if c.mapping != nil {
		m := cloneMapping(c.mapping)
		c.mu.Unlock()
		metrics.IncCacheAccess("memory", "hit")
		return m, true
	}
	c.mu.Unlock()
	metrics.IncCacheAccess("memory", "miss")

	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, c.mappingKey(day)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheAccess("redis", "miss")
		return nil, false
	}
	if err != nil {
		metrics.IncCacheAccess("redis", "error")
		c.logger.Warn("cache.mapping_read_failed", zap.String("day", day), zap.Error(err))
		return nil, false
	}

	var m model.Mapping
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		metrics.IncCacheAccess("redis", "error")
		c.logger.Warn("cache.mapping_decode_failed", zap.String("day", day), zap.Error(err))
		return nil, false
	}
	metrics.IncCacheAccess("redis", "hit")

	c.mu.Lock()
	if c.day == day {
		c.mapping = cloneMapping(m)
	}
	c.mu.Unlock()
	return m, true
}

// SaveMapping stores the mapping for day in both tiers.
func (c *MasterCache) SaveMapping(ctx context.Context, day string, m model.Mapping) {
	c.mu.Lock()
	c.rollLocked(day)
	c.mapping = cloneMapping(m)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		c.logger.Warn("cache.mapping_encode_failed", zap.String("day", day), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, c.mappingKey(day), data, c.cfg.MappingTTL).Err(); err != nil {
		metrics.IncError("cache", "mapping_write_failed")
		c.logger.Warn("cache.mapping_write_failed",
			zap.String("day", day),
			zap.Int("entries", len(m)),
			zap.Error(err))
	}
}

// HealthCheck pings Redis when configured.
func (c *MasterCache) HealthCheck(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (c *MasterCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func cloneMapping(m model.Mapping) model.Mapping {
	out := make(model.Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
