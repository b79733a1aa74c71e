package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/platform-tracker/internal/render"
	"github.com/signalsfoundry/platform-tracker/model"
	"github.com/signalsfoundry/platform-tracker/timectrl"
)

func startLoop(t *testing.T, opts ...LoopOption) (*Loop, *timectrl.ManualTicker, *render.MemorySink, context.CancelFunc) {
	t.Helper()
	sink := render.NewMemorySink()
	ticker := timectrl.NewManualTicker()
	l := NewLoop(New(sink), ticker, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, ticker, sink, cancel
}

func TestLoopTickDrainsQueuedEventsFirst(t *testing.T) {
	ctx := context.Background()
	var results []TickResult
	l, ticker, sink, _ := startLoop(t, WithTickHook(func(r TickResult) { results = append(results, r) }))

	if err := l.Submit(ctx, addedEvent(11, 10)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := l.Submit(ctx, updatedEvent(11, 10, 0.4)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !ticker.Fire(ctx, time.Now()) {
		t.Fatalf("tick not delivered")
	}
	// Barrier: requests run after the tick completes.
	if err := l.Do(ctx, func(context.Context, *Registry) {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(results) != 1 || results[0].Committed != 1 {
		t.Fatalf("tick results = %+v, want one commit", results)
	}
	if sink.Len() != 1 {
		t.Fatalf("sink has %d platforms, want 1", sink.Len())
	}
}

func TestLoopQueriesAndPreference(t *testing.T) {
	ctx := context.Background()
	l, _, sink, _ := startLoop(t)

	_ = l.Submit(ctx, addedEvent(11, 10))
	for i := 1; i <= 3; i++ {
		_ = l.Submit(ctx, updatedEvent(11, 10, float64(i)))
	}

	h, err := l.History(ctx, 11)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("history has %d samples, want 3", len(h))
	}

	pref := model.DefaultPreference()
	pref.TrackMode = model.TrackPoints
	if err := l.SetPreference(ctx, 11, pref); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	platforms, err := l.Platforms(ctx)
	if err != nil || len(platforms) != 1 {
		t.Fatalf("Platforms = %v, %v", platforms, err)
	}
	scene, _ := sink.Platform(platforms[0].HostRef)
	if scene.Preference.TrackMode != model.TrackPoints {
		t.Fatalf("preference not applied to sink")
	}
}

func TestLoopResetClearsState(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := startLoop(t)

	_ = l.Submit(ctx, addedEvent(11, 10))
	_ = l.Submit(ctx, updatedEvent(11, 10, 1))
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	platforms, _ := l.Platforms(ctx)
	h, _ := l.History(ctx, 11)
	if len(platforms) != 0 || h != nil {
		t.Fatalf("state after reset: platforms=%v history=%v", platforms, h)
	}
}

func TestLoopStoppedRejectsCalls(t *testing.T) {
	l, _, _, cancel := startLoop(t)
	cancel()
	<-l.Done()

	ctx := context.Background()
	if err := l.Submit(ctx, addedEvent(1, 0)); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("Submit err = %v, want ErrLoopStopped", err)
	}
	if _, err := l.History(ctx, 1); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("History err = %v, want ErrLoopStopped", err)
	}
}
