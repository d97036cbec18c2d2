// Package reconcile keeps the security master in step with the day's listing
// snapshot: new symbols get identifiers, vanished symbols are retired, and
// the resulting symbol → identifier mapping is cached for the rest of the day.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/cache"
	"github.com/hyperion-crawler/krx-etl/internal/idgen"
	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/publisher"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

var (
	// ErrEmptySnapshot guards against delisting the whole master when the
	// source returned nothing.
	ErrEmptySnapshot = errors.New("reconcile: empty snapshot")
	// ErrDelistGuard is returned when the removal set exceeds MaxDelistRatio of the scope.
	ErrDelistGuard = errors.New("reconcile: delisting exceeds guard ratio")
	// ErrReconcileInProgress means another process held the day lease for
	// longer than LeaseWait.
	ErrReconcileInProgress = errors.New("reconcile: another process is reconciling this day")
)

// Repository is the security master persistence used by the engine.
type Repository interface {
	ListActiveSecurities(ctx context.Context, scope model.Scope) ([]model.Security, error)
	// IssuedSecurityIDs lists every identifier with the prefix, active or not.
	IssuedSecurityIDs(ctx context.Context, prefix string) ([]string, error)
	InsertSecurities(ctx context.Context, secs []model.Security) error
	DeactivateSecurities(ctx context.Context, ids []string, at time.Time, actor string) (int64, error)
}

// ReferenceLookup supplies listing metadata for new symbols.
type ReferenceLookup interface {
	Lookup(ctx context.Context, symbol string, market model.Market) (*model.Reference, error)
}

// EventPublisher receives security.listed / security.delisted events.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
}

type Config struct {
	Source         string // event source tag, e.g. "KRX"
	Prefix         string // identifier prefix, e.g. "KRS"
	Scope          model.Scope
	MaxDelistRatio float64 // 0 disables the guard
	LeaseTTL       time.Duration
	LeaseWait      time.Duration
	PollInterval   time.Duration
	Actor          string
	Location       *time.Location // day boundary; Asia/Seoul by default
	EventSubject   string
}

// Result of one reconciliation. NewSecurities and Deactivated are empty when
// the day was already reconciled.
type Result struct {
	Day                string
	Mapping            model.Mapping
	NewSecurities      []model.Security
	Deactivated        []model.Security
	DeactivationFailed int
	FromCache          bool
}

// Engine owns the day-scoped cache for its lifetime.
type Engine struct {
	repo   Repository
	cache  *cache.MasterCache
	ids    idgen.Generator
	ref    ReferenceLookup
	pub    EventPublisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine wires an engine. ref and pub may be nil.
func NewEngine(repo Repository, c *cache.MasterCache, ids idgen.Generator, ref ReferenceLookup, pub EventPublisher, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Source == "" {
		cfg.Source = model.SourceKRX
	}
	if cfg.Prefix == "" {
		cfg.Prefix = model.IDPrefixKRS
	}
	if cfg.Scope == (model.Scope{}) {
		cfg.Scope = model.KRStocks
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = seoul()
	}
	if cfg.Actor == "" {
		cfg.Actor = "krx-etl"
	}
	if c == nil {
		c = cache.New(nil, cache.Config{}, logger)
	}
	if ids == nil {
		ids = idgen.NewRandom(idgen.DefaultLength)
	}
	return &Engine{repo: repo, cache: c, ids: ids, ref: ref, pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the wall clock used for the day key and audit stamps.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Day returns the processing-date key the engine would use right now.
func (e *Engine) Day() string {
	return e.now().In(e.cfg.Location).Format("20060102")
}

// Reconcile syncs the master against snap and returns the day's mapping.
func (e *Engine) Reconcile(ctx context.Context, snap *model.Snapshot) (*Result, error) {
	if snap == nil || len(snap.Rows) == 0 {
		metrics.IncError("reconcile", "empty_snapshot")
		return nil, ErrEmptySnapshot
	}
	day := e.Day()

	if e.cache.IsSyncDone(ctx, day) {
		return e.fromCache(ctx, day, snap)
	}

	lease, err := e.cache.AcquireLease(ctx, day, e.cfg.LeaseTTL)
	if errors.Is(err, cache.ErrLeaseHeld) {
		e.logger.Info("reconcile.lease_held_waiting", zap.String("day", day), zap.Duration("wait", e.cfg.LeaseWait))
		if e.waitForPeer(ctx, day) {
			return e.fromCache(ctx, day, snap)
		}
		return nil, ErrReconcileInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	// a peer may have finished between the first check and the lease
	if e.cache.IsSyncDone(ctx, day) {
		return e.fromCache(ctx, day, snap)
	}
	return e.sync(ctx, day, snap)
}

// fromCache serves an already reconciled day. A missing mapping is rebuilt
// from the active set without diffing.
func (e *Engine) fromCache(ctx context.Context, day string, snap *model.Snapshot) (*Result, error) {
	mapping, ok := e.cache.LoadMapping(ctx, day)
	if !ok {
		active, err := e.repo.ListActiveSecurities(ctx, e.cfg.Scope)
		if err != nil {
			return nil, fmt.Errorf("reload active securities: %w", err)
		}
		mapping = model.MappingFromSecurities(active)
		e.cache.SaveMapping(ctx, day, mapping)
		e.logger.Info("reconcile.mapping_rebuilt", zap.String("day", day), zap.Int("entries", len(mapping)))
	}

	unmapped := 0
	for sym, row := range snap.ObservedSymbols() {
		if _, ok := mapping.Lookup(sym, model.ParseMarket(row.Market)); !ok {
			unmapped++
		}
	}
	if unmapped > 0 {
		e.logger.Warn("reconcile.cached_mapping_incomplete",
			zap.String("day", day), zap.Int("unmapped_symbols", unmapped))
	}
	return &Result{Day: day, Mapping: mapping, FromCache: true}, nil
}

func (e *Engine) sync(ctx context.Context, day string, snap *model.Snapshot) (*Result, error) {
	start := time.Now()
	active, err := e.repo.ListActiveSecurities(ctx, e.cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("load active securities: %w", err)
	}

	// delisted rows keep their identifiers, which must never be drawn again
	issued, err := e.repo.IssuedSecurityIDs(ctx, e.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("load issued identifiers: %w", err)
	}
	e.ids.Reserve(issued...)

	bySymbol := make(map[string]model.Security, len(active))
	for _, sec := range active {
		e.ids.Reserve(sec.ID)
		bySymbol[strings.ToUpper(sec.Symbol)] = sec
	}

	observed := snap.ObservedSymbols()
	var added []string
	for sym := range observed {
		if _, ok := bySymbol[sym]; !ok {
			added = append(added, sym)
		}
	}
	sort.Strings(added)

	var removed []model.Security
	for sym, sec := range bySymbol {
		if _, ok := observed[sym]; ok {
			continue
		}
		if !snap.Fetched(sec.Market) {
			continue
		}
		removed = append(removed, sec)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Symbol < removed[j].Symbol })

	if e.cfg.MaxDelistRatio > 0 && len(active) > 0 {
		ratio := float64(len(removed)) / float64(len(active))
		if ratio > e.cfg.MaxDelistRatio {
			metrics.IncError("reconcile", "delist_guard")
			e.logger.Error("reconcile.delist_guard_tripped",
				zap.String("day", day),
				zap.Int("active", len(active)),
				zap.Int("removed", len(removed)),
				zap.Float64("max_ratio", e.cfg.MaxDelistRatio))
			return nil, fmt.Errorf("%w: %d of %d active", ErrDelistGuard, len(removed), len(active))
		}
	}

	now := e.now().UTC()
	newSecs := make([]model.Security, 0, len(added))
	for _, sym := range added {
		sec, err := e.buildSecurity(ctx, observed[sym], now)
		if err != nil {
			return nil, err
		}
		newSecs = append(newSecs, sec)
	}

	if err := e.repo.InsertSecurities(ctx, newSecs); err != nil {
		metrics.IncError("reconcile", "insert_failed")
		return nil, fmt.Errorf("insert new securities: %w", err)
	}
	if len(newSecs) > 0 {
		e.logger.Info("reconcile.new_securities_inserted", zap.String("day", day), zap.Int("count", len(newSecs)))
	}

	res := &Result{Day: day, NewSecurities: newSecs}
	if len(removed) > 0 {
		ids := make([]string, len(removed))
		for i, sec := range removed {
			ids[i] = sec.ID
		}
		n, err := e.repo.DeactivateSecurities(ctx, ids, now, e.cfg.Actor)
		if err != nil {
			res.DeactivationFailed = len(removed)
			metrics.AddReconcile(e.cfg.Source, "delist_failed", len(removed))
			e.logger.Error("reconcile.deactivation_failed",
				zap.String("day", day), zap.Int("count", len(removed)), zap.Error(err))
		} else {
			for i := range removed {
				removed[i].IsActive = false
				removed[i].DelistedAt = &now
				removed[i].UpdatedBy = e.cfg.Actor
				removed[i].UpdatedAt = now
			}
			res.Deactivated = removed
			e.logger.Info("reconcile.securities_deactivated",
				zap.String("day", day), zap.Int("requested", len(removed)), zap.Int64("affected", n))
		}
	}

	removedSet := make(map[string]struct{}, len(removed))
	for _, sec := range removed {
		removedSet[sec.ID] = struct{}{}
	}
	current := make([]model.Security, 0, len(active)+len(newSecs))
	for _, sec := range active {
		if _, gone := removedSet[sec.ID]; !gone {
			current = append(current, sec)
		}
	}
	current = append(current, newSecs...)
	res.Mapping = model.MappingFromSecurities(current)

	e.cache.SaveMapping(ctx, day, res.Mapping)
	e.cache.MarkSyncDone(ctx, day)

	metrics.AddReconcile(e.cfg.Source, "listed", len(res.NewSecurities))
	metrics.AddReconcile(e.cfg.Source, "delisted", len(res.Deactivated))
	metrics.ObserveDuration(metrics.StageDuration, start, e.cfg.Source, "reconcile")
	e.logger.Info("reconcile.completed",
		zap.String("day", day),
		zap.Int("observed", len(observed)),
		zap.Int("active_before", len(active)),
		zap.Int("new", len(res.NewSecurities)),
		zap.Int("deactivated", len(res.Deactivated)),
		zap.Int("mapping", len(res.Mapping)))

	e.publishChanges(ctx, snap, res)
	return res, nil
}

func (e *Engine) buildSecurity(ctx context.Context, row model.RawRow, now time.Time) (model.Security, error) {
	symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
	market := model.ParseMarket(strings.ToUpper(strings.TrimSpace(row.Market)))

	var ref *model.Reference
	if e.ref != nil {
		r, err := e.ref.Lookup(ctx, symbol, market)
		if err != nil {
			e.logger.Warn("reconcile.reference_lookup_failed", zap.String("symbol", symbol), zap.Error(err))
		} else {
			ref = r
		}
	}

	id, err := e.ids.Generate(e.cfg.Prefix)
	if err != nil {
		return model.Security{}, fmt.Errorf("generate identifier for %s: %w", symbol, err)
	}

	meta := ref.Metadata()
	meta["asset_subtype"] = model.SubtypeLocal
	sec := model.Security{
		ID:          id,
		Symbol:      symbol,
		Name:        strings.TrimSpace(row.Name),
		Market:      market,
		CountryCode: e.cfg.Scope.CountryCode,
		Currency:    model.CurrencyKRW,
		AssetType:   e.cfg.Scope.AssetType,
		IsActive:    true,
		Metadata:    meta,
		CreatedBy:   e.cfg.Actor,
		UpdatedBy:   e.cfg.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref != nil {
		sec.ListedAt = ref.ListedAt
	}
	return sec, nil
}

// waitForPeer polls the done flag until the lease holder finishes or LeaseWait elapses.
func (e *Engine) waitForPeer(ctx context.Context, day string) bool {
	if e.cfg.LeaseWait <= 0 {
		return e.cache.IsSyncDone(ctx, day)
	}
	deadline := time.NewTimer(e.cfg.LeaseWait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.cache.IsSyncDone(ctx, day) {
				return true
			}
		case <-deadline.C:
			return e.cache.IsSyncDone(ctx, day)
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) publishChanges(ctx context.Context, snap *model.Snapshot, res *Result) {
	if e.pub == nil {
		return
	}
	corr := publisher.CorrelationID(snap.TaskID)
	emit := func(eventType string, sec model.Security) {
		env, err := publisher.NewEnvelope(e.cfg.Source, eventType, corr, model.SecurityChange{
			SecurityID: sec.ID,
			Symbol:     sec.Symbol,
			Name:       sec.Name,
			Market:     sec.Market,
			TradeDate:  snap.TradeDate,
			At:         sec.UpdatedAt,
		})
		if err == nil {
			err = e.pub.PublishEnvelope(ctx, publisher.Subject(e.cfg.EventSubject, eventType), env)
		}
		if err != nil {
			e.logger.Warn("reconcile.event_publish_failed",
				zap.String("event_type", eventType), zap.String("security_id", sec.ID), zap.Error(err))
		}
	}
	for _, sec := range res.NewSecurities {
		emit(model.EventSecurityListed, sec)
	}
	for _, sec := range res.Deactivated {
		emit(model.EventSecurityDelisted, sec)
	}
}

func seoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
