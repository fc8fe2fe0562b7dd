package federation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/botfactory/botfactory/internal/bus"
)

// MirroredEvents are the bus event types a Mirror forwards by default.
var MirroredEvents = []string{
	bus.EventDomainRegistered,
	bus.EventIntegrationRequested,
	bus.EventIntegrationApproved,
	bus.EventIntegrationRejected,
	bus.EventReviewFlagged,
	bus.EventReviewCompleted,
	bus.EventXPAwarded,
	bus.EventBotHeartbeat,
}

// Producer abstracts the Kafka writer so the mirror is testable in-process.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Mirror subscribes to local bus events and forwards them to Kafka,
// one topic per event category. Remote-tagged events are skipped so
// two federated factories never ping-pong the same event.
type Mirror struct {
	factory  string
	topics   TopicNames
	producer Producer

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMirror creates a mirror publishing to the given brokers.
func NewMirror(factory, brokers string) *Mirror {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return NewMirrorWithProducer(factory, w)
}

// NewMirrorWithProducer creates a mirror over an explicit producer.
func NewMirrorWithProducer(factory string, p Producer) *Mirror {
	return &Mirror{
		factory:  factory,
		topics:   Topics(factory),
		producer: p,
	}
}

// Start subscribes the mirror to the bus. Forwarding stops when ctx is
// cancelled or Close is called.
func (m *Mirror) Start(ctx context.Context, events *bus.EventBus) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	for _, eventType := range MirroredEvents {
		events.Subscribe(eventType, "federation-mirror", m.forward)
	}
}

func (m *Mirror) forward(e *bus.Event) error {
	if IsRemote(e) {
		return nil
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return nil
	}

	value, err := Encode(m.factory, e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = m.producer.WriteMessages(writeCtx, kafka.Message{
		Topic: m.topics.TopicFor(e.Type),
		Key:   []byte(e.Type),
		Value: value,
		Time:  e.Timestamp,
	})
	if err != nil {
		slog.Warn("Federation mirror write failed", "type", e.Type, "error", err)
	}
	return err
}

// Close stops forwarding and closes the producer.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	return m.producer.Close()
}
