package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/state"
)

// RunnerFactory builds the Runner for one bot kind.
type RunnerFactory func(cfg Config) (Runner, error)

// Orchestrator instantiates bots from configuration and enforces at most
// one active instance per bot id. It also feeds event-bus subscriber
// failures back into the owning bot's error count.
type Orchestrator struct {
	mu        sync.RWMutex
	factories map[string]RunnerFactory
	bots      map[string]*Bot
	states    *state.Manager
	events    *bus.EventBus
}

// NewOrchestrator creates an orchestrator over the shared state manager and
// event bus.
func NewOrchestrator(states *state.Manager, events *bus.EventBus) *Orchestrator {
	o := &Orchestrator{
		factories: make(map[string]RunnerFactory),
		bots:      make(map[string]*Bot),
		states:    states,
		events:    events,
	}
	events.SetErrorFunc(o.onSubscriberError)
	return o
}

// RegisterKind adds a bot kind to the closed set the orchestrator can spawn.
func (o *Orchestrator) RegisterKind(kind string, factory RunnerFactory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[kind] = factory
}

// Spawn creates and starts a bot for the config entry. A second spawn for
// an id whose bot is still active is rejected.
func (o *Orchestrator) Spawn(ctx context.Context, cfg Config) (*Bot, error) {
	o.mu.Lock()
	if existing, ok := o.bots[cfg.BotID]; ok {
		st := existing.Health().Status
		if st != StatusStopped && st != StatusError {
			o.mu.Unlock()
			return nil, fmt.Errorf("bot %s already active", cfg.BotID)
		}
	}
	factory, ok := o.factories[cfg.Kind]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("unknown bot kind: %s", cfg.Kind)
	}
	o.mu.Unlock()

	runner, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build runner for %s: %w", cfg.BotID, err)
	}
	b := New(cfg, runner, o.states, o.events)
	if err := b.Start(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.bots[cfg.BotID] = b
	o.mu.Unlock()
	return b, nil
}

// Get returns a bot by id.
func (o *Orchestrator) Get(botID string) (*Bot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.bots[botID]
	return b, ok
}

// Remove stops a bot and destroys its record.
func (o *Orchestrator) Remove(ctx context.Context, botID string) error {
	o.mu.Lock()
	b, ok := o.bots[botID]
	delete(o.bots, botID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such bot: %s", botID)
	}
	return b.Stop(ctx)
}

// StopAll stops every bot, collecting the first error.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.RLock()
	bots := make([]*Bot, 0, len(o.bots))
	for _, b := range o.bots {
		bots = append(bots, b)
	}
	o.mu.RUnlock()

	var firstErr error
	for _, b := range bots {
		if err := b.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthAll returns health snapshots for every bot.
func (o *Orchestrator) HealthAll() []Health {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Health, 0, len(o.bots))
	for _, b := range o.bots {
		out = append(out, b.Health())
	}
	return out
}

// onSubscriberError routes bus callback failures to the owning bot when the
// subscriber id matches a bot id.
func (o *Orchestrator) onSubscriberError(subscriberID string, err error) {
	o.mu.RLock()
	b, ok := o.bots[subscriberID]
	o.mu.RUnlock()
	if ok {
		b.RecordError(err)
	}
}
