package registry

import (
	"context"
	"errors"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

// ErrLoopStopped is returned by Loop methods once Run has returned.
var ErrLoopStopped = errors.New("registry loop stopped")

// DefaultQueueSize is the event buffer depth.
const DefaultQueueSize = 1024

// Loop is the single goroutine that owns a Registry. Producers hand events
// over with Submit; queries and control requests run on the loop and reply
// synchronously. A request observes every event submitted before it.
type Loop struct {
	reg    *Registry
	ticker timectrl.Ticker
	log    logging.Logger
	onTick func(TickResult)

	events   chan model.Event
	requests chan request
	done     chan struct{}
}

type request struct {
	fn func(ctx context.Context, r *Registry)
	// discard drops queued events instead of handling them first.
	discard bool
	reply   chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithQueueSize sets the event buffer depth.
func WithQueueSize(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.events = make(chan model.Event, n)
		}
	}
}

// WithLoopLogger sets the logger for event handling errors.
func WithLoopLogger(log logging.Logger) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithTickHook registers fn to run on the loop after every tick.
func WithTickHook(fn func(TickResult)) LoopOption {
	return func(l *Loop) { l.onTick = fn }
}

// NewLoop wires reg to ticker. Run must be called to start processing.
func NewLoop(reg *Registry, ticker timectrl.Ticker, opts ...LoopOption) *Loop {
	l := &Loop{
		reg:      reg,
		ticker:   ticker,
		log:      logging.Noop(),
		events:   make(chan model.Event, DefaultQueueSize),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry exposes the owned registry for Subscribe, the one method safe to
// call from other goroutines.
func (l *Loop) Registry() *Registry { return l.reg }

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run processes events, requests and ticks until ctx is cancelled. It must
// be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ctx, ev)
		case req := <-l.requests:
			if req.discard {
				l.discard()
			} else {
				l.drain(ctx)
			}
			req.fn(ctx, l.reg)
			close(req.reply)
		case <-l.ticker.C():
			l.drain(ctx)
			res := l.reg.Tick(ctx)
			if l.onTick != nil {
				l.onTick(res)
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev model.Event) {
	var err error
	switch e := ev.(type) {
	case model.PlatformAdded:
		err = l.reg.OnAdded(ctx, e)
	case model.PlatformUpdated:
		err = l.reg.OnUpdated(ctx, e)
	}
	if err != nil {
		l.log.Warn(ctx, "event handling failed", logging.Int("track_key", int(ev.Key())), logging.Err(err))
	}
}

// drain handles every event already queued without blocking.
func (l *Loop) drain(ctx context.Context) {
	for {
		select {
		case ev := <-l.events:
			l.handle(ctx, ev)
		default:
			return
		}
	}
}

// discard drops every queued event.
func (l *Loop) discard() {
	for {
		select {
		case <-l.events:
		default:
			return
		}
	}
}

// Submit queues ev for the loop. It blocks while the queue is full.
func (l *Loop) Submit(ctx context.Context, ev model.Event) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.events <- ev:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do handles queued events, then runs fn on the loop goroutine and waits
// for it to finish.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context, r *Registry)) error {
	return l.do(ctx, request{fn: fn})
}

func (l *Loop) do(ctx context.Context, req request) error {
	req.reply = make(chan struct{})
	select {
	case l.requests <- req:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.reply:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

// SetPreference applies a per-track preference on the loop.
func (l *Loop) SetPreference(ctx context.Context, key model.TrackKey, pref model.PlatformPreference) error {
	var err error
	if doErr := l.Do(ctx, func(ctx context.Context, r *Registry) {
		err = r.OnPreferenceChanged(ctx, key, pref)
	}); doErr != nil {
		return doErr
	}
	return err
}

// History returns a deep copy of key's history.
func (l *Loop) History(ctx context.Context, key model.TrackKey) ([]model.MotionSample, error) {
	var out []model.MotionSample
	err := l.Do(ctx, func(_ context.Context, r *Registry) {
		out = r.History(key)
	})
	return out, err
}

// Platforms returns a snapshot of all identities.
func (l *Loop) Platforms(ctx context.Context) ([]model.PlatformIdentity, error) {
	var out []model.PlatformIdentity
	err := l.Do(ctx, func(_ context.Context, r *Registry) {
		out = r.Platforms()
	})
	return out, err
}

// ConfigureSite installs site policy on the loop.
func (l *Loop) ConfigureSite(ctx context.Context, site model.SiteID, cfg SiteConfig) error {
	return l.Do(ctx, func(_ context.Context, r *Registry) {
		r.ConfigureSite(site, cfg)
	})
}

// Reset discards queued events and clears the registry.
func (l *Loop) Reset(ctx context.Context) error {
	return l.do(ctx, request{discard: true, fn: func(_ context.Context, r *Registry) {
		r.Reset()
	}})
}
