package federation

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/botfactory/botfactory/internal/bus"
)

// Consumer reads envelopes from another factory's topics and republishes
// them on the local bus, tagged with the origin factory.
type Consumer struct {
	local   string // local factory name, own envelopes are dropped
	brokers string
	group   string
	topics  []string
	events  *bus.EventBus
	readers []*kafka.Reader
	mu      sync.Mutex
	started bool
}

// NewConsumer creates a consumer for the named remote factory.
func NewConsumer(localFactory, remoteFactory, brokers string, events *bus.EventBus) *Consumer {
	return &Consumer{
		local:   localFactory,
		brokers: brokers,
		group:   "botfactory-" + localFactory,
		topics:  Topics(remoteFactory).All(),
		events:  events,
	}
}

// Start begins consuming from all remote topics. Readers stop when ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	brokerList := strings.Split(c.brokers, ",")
	for _, topic := range c.topics {
		c.startReader(ctx, brokerList, topic)
	}
	return nil
}

func (c *Consumer) startReader(ctx context.Context, brokerList []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList,
		Topic:    topic,
		GroupID:  c.group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.readers = append(c.readers, reader)

	go func() {
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Federation consumer read error", "topic", topic, "error", err)
				continue
			}
			c.Ingest(msg.Value)
		}
	}()
}

// Ingest decodes one envelope and publishes it locally. Envelopes from
// the local factory are dropped to break mirror loops.
func (c *Consumer) Ingest(value []byte) {
	env, err := Decode(value)
	if err != nil {
		slog.Warn("Federation consumer bad envelope", "error", err)
		return
	}
	if env.Factory == c.local {
		return
	}
	c.events.Publish(env.Event())
}

// Close stops all readers.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.readers = nil
	return firstErr
}
