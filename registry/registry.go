// Package registry owns per-platform state: identities, display preferences,
// bounded motion history and the latest sample awaiting commit.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/internal/render"
	"github.com/signalsfoundry/platform-tracker/model"
)

// ErrUnknownPlatform is returned when a track key has no identity.
var ErrUnknownPlatform = errors.New("unknown platform")

// Default history limits per site category.
const (
	DefaultCategoryALimit = 1000
	DefaultCategoryBLimit = 200
)

// Limits caps history depth per site category.
type Limits struct {
	CategoryA int
	CategoryB int
}

// DefaultLimits returns the stock category limits.
func DefaultLimits() Limits {
	return Limits{CategoryA: DefaultCategoryALimit, CategoryB: DefaultCategoryBLimit}
}

func (l Limits) forCategory(c model.Category) int {
	if c == model.CategoryB {
		return l.CategoryB
	}
	return l.CategoryA
}

// SiteConfig is the per-site policy installed by the session.
type SiteConfig struct {
	Category model.Category
	// Preference applies to every platform from the site unless a
	// per-track preference overrides it. Nil means DefaultPreference.
	Preference *model.PlatformPreference
}

// Observer receives events after the registry has processed them.
type Observer func(model.Event)

// Metrics receives registry counters. *observability.TrackerCollector
// satisfies it.
type Metrics interface {
	SetRegistrySize(platforms, samples int)
	ObserveTick(d time.Duration)
	SinkCommit(op string, err error)
}

type nopMetrics struct{}

func (nopMetrics) SetRegistrySize(int, int)  {}
func (nopMetrics) ObserveTick(time.Duration) {}
func (nopMetrics) SinkCommit(string, error)  {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLimits overrides the category history limits.
func WithLimits(l Limits) Option {
	return func(r *Registry) { r.limits = l }
}

// WithTracer overrides the tracer used for tick and add spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

// TickResult summarises one commit cycle.
type TickResult struct {
	// Committed counts poses written to the sink.
	Committed int
	// Skipped counts keys with no host ref or a failed transform.
	Skipped int
	// Err is the sink error, if the transaction failed.
	Err error
}

// Registry holds all per-platform state for a session. It is
// single-writer: every mutating method must be called from one goroutine
// (see Loop). Subscribe is the only method safe for concurrent use.
type Registry struct {
	sink    render.Sink
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
	limits  Limits

	sites     map[model.SiteID]SiteConfig
	platforms map[model.TrackKey]*model.PlatformIdentity
	prefs     map[model.TrackKey]model.PlatformPreference
	history   map[model.TrackKey]*HistoryLog
	latest    map[model.TrackKey]model.MotionSample
	origin    map[model.TrackKey]model.SiteID
	samples   int

	subMu   sync.RWMutex
	subs    map[int]Observer
	nextSub int
}

// New constructs an empty registry committing into sink.
func New(sink render.Sink, opts ...Option) *Registry {
	r := &Registry{
		sink:      sink,
		log:       logging.Noop(),
		metrics:   nopMetrics{},
		tracer:    otel.Tracer("github.com/signalsfoundry/platform-tracker/registry"),
		limits:    DefaultLimits(),
		sites:     make(map[model.SiteID]SiteConfig),
		platforms: make(map[model.TrackKey]*model.PlatformIdentity),
		prefs:     make(map[model.TrackKey]model.PlatformPreference),
		history:   make(map[model.TrackKey]*HistoryLog),
		latest:    make(map[model.TrackKey]model.MotionSample),
		origin:    make(map[model.TrackKey]model.SiteID),
		subs:      make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConfigureSite installs the category and preference policy for site.
func (r *Registry) ConfigureSite(site model.SiteID, cfg SiteConfig) {
	r.sites[site] = cfg
}

func (r *Registry) categoryOf(site model.SiteID) model.Category {
	if cfg, ok := r.sites[site]; ok {
		return cfg.Category
	}
	return model.CategoryOf(site)
}

// preferenceFor resolves the effective preference: per-track override,
// then site preference, then the default.
func (r *Registry) preferenceFor(key model.TrackKey, site model.SiteID) model.PlatformPreference {
	if p, ok := r.prefs[key]; ok {
		return p
	}
	if cfg, ok := r.sites[site]; ok && cfg.Preference != nil {
		return *cfg.Preference
	}
	return model.DefaultPreference()
}

func (r *Registry) capacityFor(key model.TrackKey, site model.SiteID) int {
	limit := r.limits.forCategory(r.categoryOf(site))
	if trail := r.preferenceFor(key, site).TrailLength; trail > 0 && trail < limit {
		return trail
	}
	return limit
}

// OnAdded registers a platform and creates it in the sink. Known keys with
// a host ref are ignored. If the sink fails the identity is kept unresolved
// and a later Add for the same key retries the creation.
func (r *Registry) OnAdded(ctx context.Context, ev model.PlatformAdded) error {
	p, known := r.platforms[ev.TrackKey]
	if known && p.Resolved() {
		return nil
	}
	if !known {
		id := ev.Identity()
		p = &id
		r.platforms[ev.TrackKey] = p
		r.origin[ev.TrackKey] = ev.SiteID
	}

	ctx, span := r.tracer.Start(ctx, "registry.OnAdded", trace.WithAttributes(
		attribute.Int("track_key", int(ev.TrackKey)),
		attribute.Int("site_id", int(ev.SiteID)),
	))
	defer span.End()

	ref, err := r.create(ctx, *p, r.preferenceFor(ev.TrackKey, ev.SiteID))
	r.metrics.SinkCommit("add", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn(ctx, "platform creation failed; will retry on next add",
			logging.Int("track_key", int(ev.TrackKey)),
			logging.Err(err),
		)
	} else {
		p.HostRef = ref
		r.log.Info(ctx, "platform added",
			logging.Int("track_key", int(ev.TrackKey)),
			logging.String("call_sign", ev.CallSign),
			logging.String("host_ref", string(ref)),
		)
	}

	r.updateSize()
	if !known {
		r.notify(ev)
	}
	if err != nil {
		return fmt.Errorf("add track %d: %w", ev.TrackKey, err)
	}
	return nil
}

func (r *Registry) create(ctx context.Context, p model.PlatformIdentity, pref model.PlatformPreference) (model.HostRef, error) {
	tx, err := r.sink.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	ref, err := tx.CreatePlatform(ctx, p, pref)
	if err != nil {
		_ = tx.Rollback(ctx)
		return "", fmt.Errorf("create platform: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return ref, nil
}

// OnUpdated appends the sample to the platform's history and makes it the
// latest value for the next tick. It never touches the sink.
func (r *Registry) OnUpdated(ctx context.Context, ev model.PlatformUpdated) error {
	if _, ok := r.origin[ev.TrackKey]; !ok {
		r.origin[ev.TrackKey] = ev.SiteID
	}
	h, ok := r.history[ev.TrackKey]
	if !ok {
		h = NewHistoryLog(r.capacityFor(ev.TrackKey, ev.SiteID))
		r.history[ev.TrackKey] = h
	}
	before := h.Len()
	h.Append(ev.Sample)
	r.samples += h.Len() - before
	r.latest[ev.TrackKey] = ev.Sample

	r.updateSize()
	r.notify(ev)
	return nil
}

// OnPreferenceChanged stores a per-track preference. Resolved platforms get
// it pushed to the sink immediately; unresolved ones pick it up when they
// are created.
func (r *Registry) OnPreferenceChanged(ctx context.Context, key model.TrackKey, pref model.PlatformPreference) error {
	r.prefs[key] = pref

	if h, exists := r.history[key]; exists {
		before := h.Len()
		h.Resize(r.capacityFor(key, r.origin[key]))
		r.samples += h.Len() - before
		r.updateSize()
	}

	p, ok := r.platforms[key]
	if !ok || !p.Resolved() {
		r.log.Debug(ctx, "preference stored for unresolved platform", logging.Int("track_key", int(key)))
		return nil
	}

	tx, err := r.sink.Begin(ctx)
	if err == nil {
		if err = tx.ApplyPreference(ctx, p.HostRef, pref); err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}
	r.metrics.SinkCommit("preference", err)
	if err != nil {
		return fmt.Errorf("apply preference to track %d: %w", key, err)
	}
	return nil
}

// History returns a deep copy of the key's history, oldest first, or nil if
// the key has none.
func (r *Registry) History(key model.TrackKey) []model.MotionSample {
	h, ok := r.history[key]
	if !ok {
		return nil
	}
	return h.Samples()
}

// Platform returns the identity for key.
func (r *Registry) Platform(key model.TrackKey) (model.PlatformIdentity, error) {
	p, ok := r.platforms[key]
	if !ok {
		return model.PlatformIdentity{}, fmt.Errorf("track %d: %w", key, ErrUnknownPlatform)
	}
	return *p, nil
}

// Platforms returns every identity in ascending key order.
func (r *Registry) Platforms() []model.PlatformIdentity {
	out := make([]model.PlatformIdentity, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackKey < out[j].TrackKey })
	return out
}

// Preference returns the effective preference for key.
func (r *Registry) Preference(key model.TrackKey) model.PlatformPreference {
	return r.preferenceFor(key, r.origin[key])
}

// Pending returns the number of keys awaiting the next tick.
func (r *Registry) Pending() int { return len(r.latest) }

// Tick commits the latest sample of every resolved platform in one sink
// transaction, in ascending key order, and clears the latest map. With
// nothing pending, or only unresolved keys pending, no transaction is opened.
func (r *Registry) Tick(ctx context.Context) TickResult {
	if len(r.latest) == 0 {
		return TickResult{}
	}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "registry.Tick", trace.WithAttributes(
		attribute.Int("pending", len(r.latest)),
	))
	defer span.End()
	defer clear(r.latest)

	var res TickResult
	keys := make([]model.TrackKey, 0, len(r.latest))
	for k := range r.latest {
		if p, ok := r.platforms[k]; !ok || !p.Resolved() {
			res.Skipped++
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		// Only unresolved keys; leave the sink alone.
		span.SetAttributes(attribute.Int("skipped", res.Skipped))
		return res
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	tx, err := r.sink.Begin(ctx)
	if err != nil {
		res.Err = fmt.Errorf("begin: %w", err)
		res.Skipped = len(r.latest)
		r.finishTick(ctx, span, start, res)
		return res
	}

	for _, key := range keys {
		p := r.platforms[key]
		frame, sample := core.ToRadians(p.Frame, r.latest[key])
		pose, err := core.Transform(frame, sample)
		if err != nil {
			res.Skipped++
			r.log.Warn(ctx, "dropping sample", logging.Int("track_key", int(key)), logging.Err(err))
			continue
		}
		if err := tx.UpdatePose(ctx, p.HostRef, pose); err != nil {
			res.Skipped++
			r.log.Warn(ctx, "pose update failed", logging.Int("track_key", int(key)), logging.Err(err))
			continue
		}
		res.Committed++
	}

	if err := tx.Commit(ctx); err != nil {
		res.Err = fmt.Errorf("commit: %w", err)
		res.Skipped += res.Committed
		res.Committed = 0
	}
	r.finishTick(ctx, span, start, res)
	return res
}

func (r *Registry) finishTick(ctx context.Context, span trace.Span, start time.Time, res TickResult) {
	span.SetAttributes(
		attribute.Int("committed", res.Committed),
		attribute.Int("skipped", res.Skipped),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		r.log.Warn(ctx, "tick commit failed", logging.Err(res.Err))
	}
	r.metrics.SinkCommit("tick", res.Err)
	r.metrics.ObserveTick(time.Since(start))
}

// Reset discards identities, preferences, history and pending samples.
// Site configuration is kept.
func (r *Registry) Reset() {
	clear(r.platforms)
	clear(r.prefs)
	clear(r.history)
	clear(r.latest)
	clear(r.origin)
	r.samples = 0
	r.updateSize()
}

// Subscribe registers an observer. It returns an unsubscribe function.
func (r *Registry) Subscribe(fn Observer) (unsubscribe func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) notify(ev model.Event) {
	r.subMu.RLock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	r.subMu.RUnlock()

	// Observers run outside the lock so they may unsubscribe.
	for _, fn := range subs {
		fn(ev)
	}
}

func (r *Registry) updateSize() {
	r.metrics.SetRegistrySize(len(r.platforms), r.samples)
}
