package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock supplies wall-clock time. Decoders stamp samples with it, which
// lets tests pin timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a settable Clock for tests and replays.
type FixedClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFixedClock returns a clock stuck at t until Set or Advance is called.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Ticker is the cadence source for registry commits.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

// NewTicker wraps time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ManualTicker fires only when told to.
type ManualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

// NewManualTicker returns a ticker whose channel is unbuffered, so Fire
// returns only once the consumer has received the tick.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time)}
}

// C implements Ticker.
func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Stop implements Ticker. Further Fire calls are dropped.
func (m *ManualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Fire delivers t to the consumer. It blocks until the tick is received or
// ctx is done, and reports whether the tick was delivered.
func (m *ManualTicker) Fire(ctx context.Context, t time.Time) bool {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case m.ch <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Mode describes how the TimeController advances its time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// TimeController drives a simulated time line and notifies registered
// listeners on every step. The telemetry generator uses it to pace
// synthetic platforms; it also satisfies Clock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the controller's current time. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps the controller to t.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every step.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Run steps the controller until ctx is cancelled or duration (if > 0) of
// simulated time has elapsed. RealTime mode paces steps with a wall-clock
// ticker; Accelerated mode steps back to back.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) {
	tc.mu.Lock()
	simTime := tc.StartTime
	tc.currentTime = simTime
	tc.mu.Unlock()

	var tick <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	var elapsed time.Duration
	for duration <= 0 || elapsed < duration {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		simTime = simTime.Add(tc.Tick)
		elapsed += tc.Tick

		tc.mu.Lock()
		tc.currentTime = simTime
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		for _, fn := range listeners {
			fn(simTime)
		}
	}
}

// Start runs the controller in a separate goroutine and returns a channel
// closed when it finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx, duration)
	}()
	return done
}
