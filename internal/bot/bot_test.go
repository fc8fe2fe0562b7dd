package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/state"
)

// fakeRunner is a scriptable Runner for lifecycle tests.
type fakeRunner struct {
	mu       sync.Mutex
	initErr  error
	tickErr  error
	ticks    int
	cleanups int
	resumed  state.Record
}

func (r *fakeRunner) Init(ctx context.Context, b *Bot) error {
	if r.initErr != nil {
		return r.initErr
	}
	rec, err := b.LoadState()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.resumed = rec
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) Tick(ctx context.Context, b *Bot) error {
	r.mu.Lock()
	r.ticks++
	err := r.tickErr
	r.mu.Unlock()
	return err
}

func (r *fakeRunner) Cleanup(ctx context.Context, b *Bot) error {
	r.mu.Lock()
	r.cleanups++
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

func (r *fakeRunner) cleanupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanups
}

func testDeps(t *testing.T) (*state.Manager, *bus.EventBus) {
	t.Helper()
	sm, err := state.NewManager(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state manager: %v", err)
	}
	t.Cleanup(func() { sm.Close() })
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Stop()
	})
	return sm, b
}

func testConfig(id string) Config {
	return Config{BotID: id, Kind: "test", PollInterval: 10 * time.Millisecond, ErrorThreshold: 3}
}

func TestLifecycle(t *testing.T) {
	sm, eb := testDeps(t)
	r := &fakeRunner{}
	b := New(testConfig("bot-1"), r, sm, eb)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := b.Health().Status; got != StatusRunning {
		t.Fatalf("expected running, got %s", got)
	}

	waitFor(t, func() bool { return r.tickCount() >= 2 })

	if err := b.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused := r.tickCount()
	time.Sleep(50 * time.Millisecond)
	if r.tickCount() > paused {
		t.Fatal("ticks continued while paused")
	}
	if err := b.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, func() bool { return r.tickCount() > paused })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := b.Health().Status; got != StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if r.cleanupCount() != 1 {
		t.Fatalf("cleanup ran %d times", r.cleanupCount())
	}
}

func TestInitRunsBeforeRunning(t *testing.T) {
	sm, eb := testDeps(t)
	if _, err := sm.Save("bot-1", "resume-me"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	r := &fakeRunner{}
	b := New(testConfig("bot-1"), r, sm, eb)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	r.mu.Lock()
	resumed := r.resumed
	r.mu.Unlock()
	if resumed.Payload != "resume-me" {
		t.Fatalf("init did not resume state: %+v", resumed)
	}
}

func TestInitFailureIsError(t *testing.T) {
	sm, eb := testDeps(t)
	r := &fakeRunner{initErr: errors.New("bad config")}
	b := New(testConfig("bot-1"), r, sm, eb)

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if got := b.Health().Status; got != StatusError {
		t.Fatalf("expected error status, got %s", got)
	}
	// Init may have acquired resources before failing, so cleanup must run.
	if r.cleanupCount() != 1 {
		t.Fatalf("cleanup ran %d times after init failure", r.cleanupCount())
	}
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("error state must require reset before restart")
	}
	if err := b.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := b.Health().Status; got != StatusStopped {
		t.Fatalf("expected stopped after reset, got %s", got)
	}
}

func TestErrorsBelowThresholdKeepRunning(t *testing.T) {
	sm, eb := testDeps(t)
	r := &fakeRunner{}
	b := New(testConfig("bot-1"), r, sm, eb)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	b.RecordError(errors.New("transient 1"))
	b.RecordError(errors.New("transient 2"))

	h := b.Health()
	if h.ErrorCount != 2 {
		t.Fatalf("expected error_count=2, got %d", h.ErrorCount)
	}
	if h.Status != StatusRunning {
		t.Fatalf("expected running, got %s", h.Status)
	}
}

func TestErrorThresholdTripsToError(t *testing.T) {
	sm, eb := testDeps(t)
	r := &fakeRunner{tickErr: errors.New("persistent failure")}
	b := New(testConfig("bot-1"), r, sm, eb)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return b.Health().Status == StatusError })
	if b.Health().ErrorCount < 3 {
		t.Fatalf("threshold tripped early: %+v", b.Health())
	}
	// Cleanup still runs on the error exit path.
	waitFor(t, func() bool { return r.cleanupCount() == 1 })
}

func TestHeartbeatPublished(t *testing.T) {
	sm, eb := testDeps(t)
	beat := make(chan *bus.Event, 8)
	eb.Subscribe(bus.EventBotHeartbeat, "monitor", func(e *bus.Event) error {
		select {
		case beat <- e:
		default:
		}
		return nil
	})

	b := New(testConfig("bot-1"), &fakeRunner{}, sm, eb)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop(context.Background())

	select {
	case e := <-beat:
		if e.SourceBotID != "bot-1" {
			t.Fatalf("wrong source: %s", e.SourceBotID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat event")
	}
}

func TestOrchestratorSingleInstancePerID(t *testing.T) {
	sm, eb := testDeps(t)
	o := NewOrchestrator(sm, eb)
	o.RegisterKind("test", func(cfg Config) (Runner, error) {
		return &fakeRunner{}, nil
	})

	if _, err := o.Spawn(context.Background(), testConfig("bot-1")); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := o.Spawn(context.Background(), testConfig("bot-1")); err == nil {
		t.Fatal("duplicate spawn allowed")
	}
	if _, err := o.Spawn(context.Background(), testConfig("bot-2")); err != nil {
		t.Fatalf("spawn bot-2: %v", err)
	}
	if got := len(o.HealthAll()); got != 2 {
		t.Fatalf("expected 2 bots, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
}

func TestOrchestratorUnknownKind(t *testing.T) {
	sm, eb := testDeps(t)
	o := NewOrchestrator(sm, eb)
	if _, err := o.Spawn(context.Background(), testConfig("bot-1")); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestSubscriberErrorCountsAgainstBot(t *testing.T) {
	sm, eb := testDeps(t)
	o := NewOrchestrator(sm, eb)
	o.RegisterKind("test", func(cfg Config) (Runner, error) {
		return &fakeRunner{}, nil
	})
	b, err := o.Spawn(context.Background(), Config{BotID: "bot-1", Kind: "test", PollInterval: time.Hour, ErrorThreshold: 10})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer o.StopAll(context.Background())

	eb.Subscribe("evt", "bot-1", func(e *bus.Event) error {
		return errors.New("handler failure")
	})
	eb.Publish(&bus.Event{Type: "evt"})

	waitFor(t, func() bool { return b.Health().ErrorCount >= 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
