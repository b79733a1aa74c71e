// Package session wires configured sources, protocol decoders and the
// platform registry into one start/stop unit.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/platform-tracker/internal/config"
	"github.com/signalsfoundry/platform-tracker/internal/decode"
	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/internal/render"
	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/registry"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

var (
	// ErrNotRunning is returned by deliveries and queries outside Start/Stop.
	ErrNotRunning = errors.New("session not running")
	// ErrUnknownSite is returned for sites that are not configured for the
	// protocol being delivered.
	ErrUnknownSite = errors.New("unknown site")
	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("session already running")
)

// RecordSource streams Record-Format messages for one site until ctx ends.
type RecordSource interface {
	Run(ctx context.Context, deliver func(ctx context.Context, rec decode.Record) error) error
}

// Metrics is the union of decoder and registry instrumentation.
type Metrics interface {
	decode.Recorder
	registry.Metrics
}

// Config assembles a Session.
type Config struct {
	Scenario *config.Scenario
	Sink     render.Sink

	// RecordSources maps record-protocol sites to their stream. Sites
	// without an entry only receive records through DeliverRecord.
	RecordSources map[model.SiteID]RecordSource

	// Clock stamps datagram samples. Defaults to the system clock.
	Clock timectrl.Clock
	// NewTicker builds the tick source on every Start. Defaults to a real
	// ticker at the scenario interval.
	NewTicker func(time.Duration) timectrl.Ticker

	Metrics Metrics
	Logger  logging.Logger
	// OnTick runs on the registry loop after each tick.
	OnTick func(registry.TickResult)
}

type datagramSite struct {
	mu  sync.Mutex
	dec *decode.DatagramDecoder
}

type recordSite struct {
	mu  sync.Mutex
	dec *decode.RecordDecoder
}

// Session is the controller for one tracking session. Its methods are safe
// for concurrent use.
type Session struct {
	cfg Config
	reg *registry.Registry
	log logging.Logger

	datagrams map[model.SiteID]*datagramSite
	records   map[model.SiteID]*recordSite

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	// mu guards the running state. Deliveries hold it for reading so Stop
	// and Reset can wait them out.
	mu         sync.RWMutex
	running    bool
	loop       *registry.Loop
	stopLoop   context.CancelFunc
	stopWork   context.CancelFunc
	workers    *errgroup.Group
	sessionCtx context.Context
}

// New validates cfg and builds the per-site decoders. The session is idle
// until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("session: render sink is required")
	}
	if cfg.Scenario == nil {
		cfg.Scenario = config.Default()
	}
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timectrl.SystemClock{}
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = timectrl.NewTicker
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}

	regOpts := []registry.Option{
		registry.WithLogger(cfg.Logger),
		registry.WithLimits(registry.Limits{
			CategoryA: cfg.Scenario.CategoryALimit,
			CategoryB: cfg.Scenario.CategoryBLimit,
		}),
	}
	decOpts := []decode.Option{decode.WithClock(cfg.Clock), decode.WithLogger(cfg.Logger)}
	if cfg.Metrics != nil {
		regOpts = append(regOpts, registry.WithMetrics(cfg.Metrics))
		decOpts = append(decOpts, decode.WithRecorder(cfg.Metrics))
	}

	s := &Session{
		cfg:       cfg,
		reg:       registry.New(cfg.Sink, regOpts...),
		log:       cfg.Logger,
		datagrams: make(map[model.SiteID]*datagramSite),
		records:   make(map[model.SiteID]*recordSite),
	}

	for _, src := range cfg.Scenario.Sources {
		s.reg.ConfigureSite(src.Site, registry.SiteConfig{
			Category:   src.Category,
			Preference: src.Preference,
		})
		switch src.Protocol {
		case config.ProtocolDatagram:
			opts := append([]decode.Option{}, decOpts...)
			if src.CallSign != "" {
				opts = append(opts, decode.WithCallSign(src.CallSign))
			}
			if src.Icon != "" {
				opts = append(opts, decode.WithIconRef(src.Icon))
			}
			s.datagrams[src.Site] = &datagramSite{dec: decode.NewDatagramDecoder(src.Site, opts...)}
		case config.ProtocolRecord:
			s.records[src.Site] = &recordSite{dec: decode.NewRecordDecoder(src.Site, decOpts...)}
		}
	}
	for site := range cfg.RecordSources {
		if _, ok := s.records[site]; !ok {
			return nil, fmt.Errorf("record source for site %d: %w", site, ErrUnknownSite)
		}
	}
	return s, nil
}

// Start launches the registry loop and one worker per record source.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, log := logging.WithSessionLogger(context.WithoutCancel(ctx), s.cfg.Logger)
	s.log = log
	s.sessionCtx = ctx
	// No loop owns the registry yet.
	s.reg.Reset()

	loop := registry.NewLoop(s.reg, s.cfg.NewTicker(s.cfg.Scenario.TickInterval),
		registry.WithLoopLogger(log),
		registry.WithTickHook(s.cfg.OnTick),
	)
	loopCtx, stopLoop := context.WithCancel(ctx)
	go func() {
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(loopCtx, "registry loop exited", logging.Err(err))
		}
	}()

	workCtx, stopWork := context.WithCancel(ctx)
	var g errgroup.Group
	for site, src := range s.cfg.RecordSources {
		g.Go(func() error {
			deliver := func(ctx context.Context, rec decode.Record) error {
				err := s.DeliverRecord(ctx, site, rec)
				if errors.Is(err, decode.ErrMalformedMessage) {
					return nil
				}
				return err
			}
			err := src.Run(workCtx, deliver)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn(workCtx, "record source stopped", logging.Int("site_id", int(site)), logging.Err(err))
			}
			return nil
		})
	}

	s.loop = loop
	s.stopLoop = stopLoop
	s.stopWork = stopWork
	s.workers = &g
	s.running = true
	log.Info(ctx, "session started",
		logging.Int("datagram_sites", len(s.datagrams)),
		logging.Int("record_sites", len(s.records)),
	)
	return nil
}

// Stop cancels the record workers and waits for them, rejects further
// deliveries, clears the registry through the loop and stops the loop.
// The registry is empty and nothing reaches the sink after Stop returns,
// even when ctx has already expired.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	s.stopWork()
	_ = s.workers.Wait()

	s.mu.Lock()
	s.running = false
	loop := s.loop
	s.mu.Unlock()

	resetErr := loop.Reset(ctx)
	s.resetDecoders()
	s.stopLoop()
	<-loop.Done()
	if resetErr != nil {
		// The reset may not have run before the loop exited.
		s.reg.Reset()
		s.log.Debug(s.sessionCtx, "registry reset after loop exit", logging.Err(resetErr))
	}
	s.log.Info(s.sessionCtx, "session stopped")
	return nil
}

// Reset discards every platform while the session keeps running. Sites
// that deliver again are re-added with fresh host refs.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if err := s.loop.Reset(ctx); err != nil {
		return err
	}
	s.resetDecoders()
	return nil
}

func (s *Session) resetDecoders() {
	for _, d := range s.datagrams {
		d.mu.Lock()
		d.dec.Reset()
		d.mu.Unlock()
	}
	for _, r := range s.records {
		r.mu.Lock()
		r.dec.Reset()
		r.mu.Unlock()
	}
}

// Running reports whether the session is between Start and Stop.
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// DeliverDatagram decodes one Datagram-Format payload from site.
func (s *Session) DeliverDatagram(ctx context.Context, site model.SiteID, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	d, ok := s.datagrams[site]
	if !ok {
		return fmt.Errorf("datagram from site %d: %w", site, ErrUnknownSite)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dec.Decode(ctx, payload, s.loop.Submit)
}

// DeliverRecord decodes one Record-Format message from site.
func (s *Session) DeliverRecord(ctx context.Context, site model.SiteID, rec decode.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	r, ok := s.records[site]
	if !ok {
		return fmt.Errorf("record from site %d: %w", site, ErrUnknownSite)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dec.Decode(ctx, rec, s.loop.Submit)
}

// currentLoop returns the running loop or ErrNotRunning.
func (s *Session) currentLoop() (*registry.Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.loop, nil
}

// SetPreference sets the display preference for one track. Preferences for
// tracks not yet added are kept and applied when the track appears.
func (s *Session) SetPreference(ctx context.Context, key model.TrackKey, pref model.PlatformPreference) error {
	loop, err := s.currentLoop()
	if err != nil {
		return err
	}
	return loop.SetPreference(ctx, key, pref)
}

// History returns a copy of key's retained samples, oldest first.
func (s *Session) History(ctx context.Context, key model.TrackKey) ([]model.MotionSample, error) {
	loop, err := s.currentLoop()
	if err != nil {
		return nil, err
	}
	return loop.History(ctx, key)
}

// Platforms returns every known platform ordered by track key.
func (s *Session) Platforms(ctx context.Context) ([]model.PlatformIdentity, error) {
	loop, err := s.currentLoop()
	if err != nil {
		return nil, err
	}
	return loop.Platforms(ctx)
}

// Subscribe registers fn for PlatformAdded and PlatformUpdated events.
// Subscriptions survive Stop and Start. Observers run on the registry loop
// and must not call back into the session synchronously.
func (s *Session) Subscribe(fn registry.Observer) (unsubscribe func()) {
	return s.reg.Subscribe(fn)
}
