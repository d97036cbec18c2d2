// Package idgen issues prefixed security identifiers such as "KRS-7Q2M0A".
package idgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	alphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	DefaultLength = 6
	maxAttempts   = 64
)

// ErrExhausted is returned when no unused identifier could be drawn.
var ErrExhausted = errors.New("idgen: identifier space exhausted")

// Generator issues identifiers that never repeat within its lifetime.
type Generator interface {
	Generate(prefix string) (string, error)
	Reserve(ids ...string)
}

// Random draws suffixes from crypto/rand and remembers every identifier it
// has issued or been told about.
type Random struct {
	mu       sync.Mutex
	length   int
	src      io.Reader
	reserved map[string]struct{}
}

// NewRandom creates a generator producing suffixes of the given length.
func NewRandom(length int) *Random {
	if length <= 0 {
		length = DefaultLength
	}
	return &Random{
		length:   length,
		src:      rand.Reader,
		reserved: make(map[string]struct{}),
	}
}

// Reserve marks identifiers as taken, typically the ones already in the master.
func (g *Random) Reserve(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		g.reserved[id] = struct{}{}
	}
}

// Generate returns "<prefix>-<suffix>". The value is reserved before it is returned.
func (g *Random) Generate(prefix string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, g.length)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := io.ReadFull(g.src, buf); err != nil {
			return "", fmt.Errorf("idgen: read random: %w", err)
		}
		for i, b := range buf {
			// 252 is the largest multiple of 36 below 256; rejecting above it keeps the draw uniform.
			if b >= 252 {
				buf[i] = 0xff
				continue
			}
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		if containsRejected(buf) {
			continue
		}
		id := prefix + "-" + string(buf)
		if _, taken := g.reserved[id]; taken {
			continue
		}
		g.reserved[id] = struct{}{}
		return id, nil
	}
	return "", ErrExhausted
}

func containsRejected(buf []byte) bool {
	for _, b := range buf {
		if b == 0xff {
			return true
		}
	}
	return false
}
