// Package bot implements the bot lifecycle state machine and orchestrator.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/state"
)

// Lifecycle statuses. Error is terminal and only leaves via Reset.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusPaused       = "paused"
	StatusStopped      = "stopped"
	StatusError        = "error"
)

// Runner is the behavior of one bot kind. Bots compose a Runner instead of
// subclassing: Init runs before the loop starts (and is where prior state is
// resumed), Tick runs once per poll interval, Cleanup runs on every exit
// path.
type Runner interface {
	Init(ctx context.Context, b *Bot) error
	Tick(ctx context.Context, b *Bot) error
	Cleanup(ctx context.Context, b *Bot) error
}

// Config holds per-bot settings from the factory configuration.
type Config struct {
	BotID          string
	Kind           string
	PollInterval   time.Duration
	ErrorThreshold int
}

// Health is the snapshot returned by Bot.Health.
type Health struct {
	BotID         string        `json:"bot_id"`
	Kind          string        `json:"kind"`
	Status        string        `json:"status"`
	Uptime        time.Duration `json:"uptime"`
	ErrorCount    int           `json:"error_count"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// Bot drives one Runner through the lifecycle state machine.
type Bot struct {
	cfg    Config
	runner Runner
	states *state.Manager
	events *bus.EventBus

	mu            sync.Mutex
	status        string
	errorCount    int
	startedAt     time.Time
	lastHeartbeat time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates a bot in the stopped state. states and events may be shared
// across bots.
func New(cfg Config, runner Runner, states *state.Manager, events *bus.EventBus) *Bot {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	return &Bot{
		cfg:    cfg,
		runner: runner,
		states: states,
		events: events,
		status: StatusStopped,
	}
}

// ID returns the bot id.
func (b *Bot) ID() string { return b.cfg.BotID }

// Kind returns the bot kind.
func (b *Bot) Kind() string { return b.cfg.Kind }

// Events returns the shared event bus.
func (b *Bot) Events() *bus.EventBus { return b.events }

// LoadState returns the bot's latest persisted state record.
func (b *Bot) LoadState() (state.Record, error) {
	return b.states.Load(b.cfg.BotID)
}

// SaveState persists a new state version for the bot.
func (b *Bot) SaveState(payload string) (int64, error) {
	return b.states.Save(b.cfg.BotID, payload)
}

// Start runs Init and, on success, launches the execute loop. Init must
// complete before the bot reports running.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	switch b.status {
	case StatusStopped:
	case StatusError:
		b.mu.Unlock()
		return fmt.Errorf("bot %s is in error state, reset required", b.cfg.BotID)
	default:
		b.mu.Unlock()
		return fmt.Errorf("bot %s already active (%s)", b.cfg.BotID, b.status)
	}
	b.status = StatusInitializing
	b.errorCount = 0
	b.startedAt = time.Now()
	b.mu.Unlock()

	if err := b.runner.Init(ctx, b); err != nil {
		b.setStatus(StatusError)
		// Init may have grabbed resources before failing.
		b.runCleanup()
		return fmt.Errorf("bot %s init failed: %w", b.cfg.BotID, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.status = StatusRunning
	b.lastHeartbeat = time.Now()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	slog.Info("Bot started", "bot_id", b.cfg.BotID, "kind", b.cfg.Kind, "poll_interval", b.cfg.PollInterval)
	go b.loop(loopCtx)
	return nil
}

// Pause suspends the execute loop without stopping the bot.
func (b *Bot) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return fmt.Errorf("bot %s not running (%s)", b.cfg.BotID, b.status)
	}
	b.status = StatusPaused
	return nil
}

// Resume continues a paused bot.
func (b *Bot) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPaused {
		return fmt.Errorf("bot %s not paused (%s)", b.cfg.BotID, b.status)
	}
	b.status = StatusRunning
	return nil
}

// Stop cancels the loop and waits for Cleanup to finish or ctx to expire.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bot %s shutdown timed out: %w", b.cfg.BotID, ctx.Err())
	}
}

// Reset is the manual path out of the terminal error state.
func (b *Bot) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusError {
		return fmt.Errorf("bot %s not in error state (%s)", b.cfg.BotID, b.status)
	}
	b.status = StatusStopped
	b.errorCount = 0
	return nil
}

// Health returns the current lifecycle snapshot.
func (b *Bot) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	var uptime time.Duration
	if !b.startedAt.IsZero() && (b.status == StatusRunning || b.status == StatusPaused) {
		uptime = time.Since(b.startedAt)
	}
	return Health{
		BotID:         b.cfg.BotID,
		Kind:          b.cfg.Kind,
		Status:        b.status,
		Uptime:        uptime,
		ErrorCount:    b.errorCount,
		LastHeartbeat: b.lastHeartbeat,
	}
}

// RecordError counts a non-fatal error against the bot. Crossing the
// configured threshold forces the terminal error state and stops the loop.
func (b *Bot) RecordError(err error) {
	b.mu.Lock()
	b.errorCount++
	count := b.errorCount
	threshold := b.cfg.ErrorThreshold
	cancel := b.cancel
	tripped := count >= threshold && b.status != StatusError
	if tripped {
		b.status = StatusError
	}
	b.mu.Unlock()

	slog.Warn("Bot error recorded", "bot_id", b.cfg.BotID, "error_count", count, "error", err)
	if tripped {
		slog.Error("Bot error threshold crossed, entering error state",
			"bot_id", b.cfg.BotID, "threshold", threshold)
		if cancel != nil {
			cancel()
		}
	}
}

func (b *Bot) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Bot) loop(ctx context.Context) {
	defer close(b.done)
	defer b.runCleanup()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	// First tick immediately rather than waiting a full interval.
	b.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tickOnce(ctx)
		}
	}
}

func (b *Bot) tickOnce(ctx context.Context) {
	b.mu.Lock()
	status := b.status
	b.lastHeartbeat = time.Now()
	b.mu.Unlock()
	if status != StatusRunning || ctx.Err() != nil {
		return
	}

	b.events.Publish(&bus.Event{
		Type:        bus.EventBotHeartbeat,
		SourceBotID: b.cfg.BotID,
		Payload:     map[string]any{"kind": b.cfg.Kind},
	})

	defer func() {
		if r := recover(); r != nil {
			b.RecordError(fmt.Errorf("tick panicked: %v", r))
		}
	}()
	if err := b.runner.Tick(ctx, b); err != nil {
		b.RecordError(err)
	}
}

// runCleanup executes Cleanup with a bounded context on every loop exit
// and on init failure, including panics and error-threshold trips.
func (b *Bot) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bot cleanup panicked", "bot_id", b.cfg.BotID, "panic", r)
		}
	}()
	if err := b.runner.Cleanup(ctx, b); err != nil {
		slog.Warn("Bot cleanup failed", "bot_id", b.cfg.BotID, "error", err)
	}

	b.mu.Lock()
	if b.status != StatusError {
		b.status = StatusStopped
	}
	b.cancel = nil
	b.mu.Unlock()
	slog.Info("Bot stopped", "bot_id", b.cfg.BotID)
}
