package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another owner holds the reconciliation lease.
var ErrLeaseHeld = errors.New("cache: reconciliation lease held by another process")

var releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease is ownership of a day's reconciliation critical section.
type Lease struct {
	c     *MasterCache
	key   string
	token string
	local bool
}

// Token identifies the owner.
func (l *Lease) Token() string { return l.token }

// Local reports whether the lease is process-local because Redis was unavailable.
func (l *Lease) Local() bool { return l.local }

// AcquireLease takes the reconciliation lease for day with the given expiry.
// Without a reachable Redis the lease is granted locally; exclusion then
// relies on a single scheduler trigger per day and the store's unique index.
func (c *MasterCache) AcquireLease(ctx context.Context, day string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{c: c, key: c.leaseKey(day), token: uuid.NewString()}
	if c.rdb == nil {
		lease.local = true
		return lease, nil
	}

	ok, err := c.rdb.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		c.logger.Warn("cache.lease_acquire_failed", zap.String("day", day), zap.Error(err))
		lease.local = true
		return lease, nil
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	c.logger.Debug("cache.lease_acquired", zap.String("day", day), zap.Duration("ttl", ttl))
	return lease, nil
}

// Release gives the lease back if this owner still holds it.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.local || l.c.rdb == nil {
		return
	}
	if err := l.c.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		l.c.logger.Warn("cache.lease_release_failed", zap.String("key", l.key), zap.Error(err))
	}
}
