// Package rate throttles calls to upstream data portals, one bucket per key.
package rate

import (
	"context"
	"sync"

	xrate "golang.org/x/time/rate"
)

// Config defines the bucket for one key.
type Config struct {
	RequestsPerSecond int // <= 0 disables limiting
	Burst             int
}

func (c Config) limiter() *xrate.Limiter {
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	if c.RequestsPerSecond <= 0 {
		return xrate.NewLimiter(xrate.Inf, burst)
	}
	return xrate.NewLimiter(xrate.Limit(c.RequestsPerSecond), burst)
}

// Manager holds one limiter per key (the KRX client keys by report).
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*xrate.Limiter
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*xrate.Limiter),
		defaults: defaults,
	}
}

func (m *Manager) GetLimiter(key string) *xrate.Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	lim := m.defaults.limiter()
	m.limiters[key] = lim
	return lim
}

// Wait blocks until key may issue a request. It fails fast when ctx would
// expire before a token is due.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}
