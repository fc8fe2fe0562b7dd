package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/botfactory/botfactory/internal/bus"
)

func TestTopicNaming(t *testing.T) {
	topics := Topics("alpha")
	if topics.Events != "factory.alpha.events" {
		t.Errorf("events topic: %s", topics.Events)
	}
	if topics.Governance != "factory.alpha.governance" {
		t.Errorf("governance topic: %s", topics.Governance)
	}
	if topics.Heartbeat != "factory.alpha.heartbeat" {
		t.Errorf("heartbeat topic: %s", topics.Heartbeat)
	}
	if len(topics.All()) != 3 {
		t.Errorf("expected 3 topics, got %d", len(topics.All()))
	}
}

func TestTopicRouting(t *testing.T) {
	topics := Topics("alpha")
	cases := map[string]string{
		bus.EventIntegrationApproved: topics.Governance,
		bus.EventIntegrationRejected: topics.Governance,
		bus.EventReviewFlagged:       topics.Governance,
		bus.EventBotHeartbeat:        topics.Heartbeat,
		bus.EventDomainRegistered:    topics.Events,
		bus.EventXPAwarded:           topics.Events,
	}
	for eventType, want := range cases {
		if got := topics.TopicFor(eventType); got != want {
			t.Errorf("%s routed to %s, want %s", eventType, got, want)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	evt := &bus.Event{
		Type:        bus.EventIntegrationApproved,
		Payload:     map[string]any{"review_id": "r1", "status": "approved"},
		SourceBotID: "governance",
		Timestamp:   time.Now().UTC(),
	}
	data, err := Encode("alpha", evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Factory != "alpha" || env.Type != evt.Type {
		t.Fatalf("envelope mismatch: %+v", env)
	}

	local := env.Event()
	if !IsRemote(local) {
		t.Fatal("decoded event not tagged remote")
	}
	if local.Payload["review_id"] != "r1" {
		t.Fatalf("payload lost: %v", local.Payload)
	}
	if IsRemote(evt) {
		t.Fatal("original event mutated")
	}
}

type captureProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *captureProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

func TestMirrorForwardsLocalEvents(t *testing.T) {
	eb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eb.Start(ctx)
	defer eb.Stop()

	prod := &captureProducer{}
	m := NewMirrorWithProducer("alpha", prod)
	m.Start(ctx, eb)

	eb.Publish(&bus.Event{
		Type:      bus.EventIntegrationApproved,
		Payload:   map[string]any{"review_id": "r1"},
		Timestamp: time.Now(),
	})

	waitFor(t, func() bool { return len(prod.messages()) == 1 })
	msg := prod.messages()[0]
	if msg.Topic != "factory.alpha.governance" {
		t.Fatalf("wrong topic %s", msg.Topic)
	}
	env, err := Decode(msg.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Factory != "alpha" || env.Payload["review_id"] != "r1" {
		t.Fatalf("envelope %+v", env)
	}
}

func TestMirrorSkipsRemoteEvents(t *testing.T) {
	eb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eb.Start(ctx)
	defer eb.Stop()

	prod := &captureProducer{}
	m := NewMirrorWithProducer("alpha", prod)
	m.Start(ctx, eb)

	cons := NewConsumer("alpha", "beta", "unused:9092", eb)
	remote, err := Encode("beta", &bus.Event{
		Type:      bus.EventIntegrationApproved,
		Payload:   map[string]any{"review_id": "r2"},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cons.Ingest(remote)

	// The event reaches local subscribers but is never mirrored back out.
	waitFor(t, func() bool {
		return len(eb.History(bus.EventIntegrationApproved, time.Time{})) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := len(prod.messages()); n != 0 {
		t.Fatalf("remote event re-mirrored %d times", n)
	}
}

func TestConsumerDropsOwnEnvelopes(t *testing.T) {
	eb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eb.Start(ctx)
	defer eb.Stop()

	cons := NewConsumer("alpha", "beta", "unused:9092", eb)
	own, _ := Encode("alpha", &bus.Event{Type: bus.EventXPAwarded, Timestamp: time.Now()})
	cons.Ingest(own)
	cons.Ingest([]byte("not json"))

	time.Sleep(50 * time.Millisecond)
	if n := len(eb.History(bus.EventXPAwarded, time.Time{})); n != 0 {
		t.Fatalf("own envelope republished %d times", n)
	}
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
