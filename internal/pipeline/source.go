package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hyperion-crawler/krx-etl/internal/load"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// ErrUnknownSource is returned for a source name with no registered implementation.
var ErrUnknownSource = errors.New("pipeline: unknown source")

// Params are the per-run options ("trade_date", "markets", "load_mode",
// "calculate_change_amount", ...).
type Params map[string]any

// String returns the value of key as a string. Slices are joined with commas.
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Batch is what a source's transform stage hands to its load stage.
type Batch struct {
	NewSecurities []model.Security
	Deactivated   []model.Security
	Records       []model.PriceRecord
	Rejected      int // every rejected row, mapping misses included
	MappingMisses int // subset of Rejected
	FromCache     bool
	Errors        []string
}

// Source is one data source's extract/transform/load capability.
type Source interface {
	Name() string
	Extract(ctx context.Context, params Params) (*model.Snapshot, error)
	Transform(ctx context.Context, snap *model.Snapshot, params Params) (*Batch, error)
	Load(ctx context.Context, batch *Batch, params Params) (*load.Result, error)
}

// Registry maps upper-cased source names to implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToUpper(src.Name())] = src
}

func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// Names lists the registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
