// Package bus provides the async event bus for bot-to-bot communication.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types emitted by the core.
const (
	EventDomainRegistered     = "domain_registered"
	EventIntegrationRequested = "integration_requested"
	EventIntegrationApproved  = "integration_approved"
	EventIntegrationRejected  = "integration_rejected"
	EventReviewFlagged        = "review_flagged"
	EventReviewCompleted      = "review_completed"
	EventXPAwarded            = "xp_awarded"
	EventBotHeartbeat         = "bot_heartbeat"
)

// Event is a single published notification. Events are immutable once
// published and retained in per-type history for replay.
type Event struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SourceBotID string         `json:"source_bot_id,omitempty"`
}

// Handler processes a delivered event. A non-nil error is reported to the
// bus error hook; it never reaches the publisher.
type Handler func(*Event) error

// ErrorFunc receives subscriber callback failures so the owning bot's
// error count can be incremented.
type ErrorFunc func(subscriberID string, err error)

const subscriberQueueSize = 100

type subscriber struct {
	id    string
	fn    Handler
	queue chan *Event
}

// EventBus decouples publishers from subscribers. Delivery to one subscriber
// preserves publish order per event type (each subscriber owns a FIFO queue
// and worker); there is no ordering guarantee across types or subscribers.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber // event type -> subscribers
	history map[string][]*Event      // event type -> ordered history
	onError ErrorFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an event bus. Call Start before publishing.
func New() *EventBus {
	return &EventBus{
		subs:    make(map[string][]*subscriber),
		history: make(map[string][]*Event),
	}
}

// SetErrorFunc installs the callback-failure hook. Must be called before Start.
func (b *EventBus) SetErrorFunc(fn ErrorFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Start begins dispatch workers for all current and future subscribers.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	for _, list := range b.subs {
		for _, s := range list {
			b.startWorker(s)
		}
	}
}

// Stop cancels all dispatch workers and waits for them to drain.
func (b *EventBus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
}

// Publish appends the event to history and fans it out to current
// subscribers of its type. The publisher never blocks on subscriber
// execution: a full subscriber queue drops the oldest pending event.
func (b *EventBus) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[evt.Type] = append(b.history[evt.Type], evt)
	subs := make([]*subscriber, len(b.subs[evt.Type]))
	copy(subs, b.subs[evt.Type])
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- evt:
		default:
			// Slow subscriber: shed the oldest queued event to keep
			// the publisher non-blocking.
			select {
			case dropped := <-s.queue:
				slog.Warn("EventBus: subscriber queue full, dropping oldest",
					"subscriber", s.id, "type", dropped.Type)
			default:
			}
			select {
			case s.queue <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a handler for an event type. Registration is
// idempotent per (type, subscriberID): re-subscribing replaces the handler
// without creating a second queue.
func (b *EventBus) Subscribe(eventType, subscriberID string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[eventType] {
		if s.id == subscriberID {
			s.fn = fn
			return
		}
	}
	s := &subscriber{
		id:    subscriberID,
		fn:    fn,
		queue: make(chan *Event, subscriberQueueSize),
	}
	b.subs[eventType] = append(b.subs[eventType], s)
	if b.started {
		b.startWorker(s)
	}
}

// History returns the retained events of a type published at or after since.
// A zero since returns the full history.
func (b *EventBus) History(eventType string, since time.Time) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Event
	for _, evt := range b.history[eventType] {
		if since.IsZero() || !evt.Timestamp.Before(since) {
			out = append(out, evt)
		}
	}
	return out
}

// Pending returns the number of queued events for a subscriber, for status
// reporting.
func (b *EventBus) Pending(eventType, subscriberID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[eventType] {
		if s.id == subscriberID {
			return len(s.queue)
		}
	}
	return 0
}

// startWorker must be called with b.mu held and the bus started.
func (b *EventBus) startWorker(s *subscriber) {
	b.wg.Add(1)
	ctx := b.ctx
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				// Drain what was already queued so Stop does not
				// discard accepted events.
				for {
					select {
					case evt := <-s.queue:
						b.deliver(s, evt)
					default:
						return
					}
				}
			case evt := <-s.queue:
				b.deliver(s, evt)
			}
		}
	}()
}

// deliver invokes the handler, containing panics and errors so one
// subscriber can never crash the bus or affect other subscribers.
func (b *EventBus) deliver(s *subscriber, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("EventBus: subscriber panicked", "subscriber", s.id, "type", evt.Type, "panic", r)
			b.reportError(s.id, &CallbackError{Subscriber: s.id, EventType: evt.Type, Reason: "panic"})
		}
	}()
	// Subscribe may replace the handler concurrently.
	b.mu.RLock()
	fn := s.fn
	b.mu.RUnlock()
	if err := fn(evt); err != nil {
		slog.Warn("EventBus: subscriber callback failed", "subscriber", s.id, "type", evt.Type, "error", err)
		b.reportError(s.id, err)
	}
}

func (b *EventBus) reportError(subscriberID string, err error) {
	b.mu.RLock()
	fn := b.onError
	b.mu.RUnlock()
	if fn != nil {
		fn(subscriberID, err)
	}
}

// CallbackError marks a recovered subscriber panic.
type CallbackError struct {
	Subscriber string
	EventType  string
	Reason     string
}

func (e *CallbackError) Error() string {
	return "subscriber " + e.Subscriber + " failed on " + e.EventType + ": " + e.Reason
}
