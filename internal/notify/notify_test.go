package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/botfactory/botfactory/internal/bus"
)

type capturePoster struct {
	mu       sync.Mutex
	channels []string
	count    int
}

func (p *capturePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channelID)
	p.count++
	return channelID, "ts", nil
}

func (p *capturePoster) posts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func TestFormatKnownEvents(t *testing.T) {
	cases := []struct {
		event *bus.Event
		want  []string
	}{
		{
			&bus.Event{Type: bus.EventIntegrationApproved, Payload: map[string]any{
				"source": "ECO", "target": "PIPE", "review_id": "r1"}},
			[]string{"ECO", "PIPE", "approved", "r1"},
		},
		{
			&bus.Event{Type: bus.EventIntegrationRejected, Payload: map[string]any{
				"source": "ECO", "target": "PIPE", "review_id": "r2", "rationale": "too risky"}},
			[]string{"rejected", "r2", "too risky"},
		},
		{
			&bus.Event{Type: bus.EventReviewFlagged, Payload: map[string]any{
				"review_id": "r3", "reason": "analysis unavailable"}},
			[]string{"r3", "analysis unavailable"},
		},
		{
			&bus.Event{Type: bus.EventXPAwarded, Payload: map[string]any{
				"reviewer": "alice", "amount": 40, "review_id": "r4"}},
			[]string{"alice", "40", "r4"},
		},
	}
	for _, tc := range cases {
		got := Format(tc.event)
		for _, frag := range tc.want {
			if !strings.Contains(got, frag) {
				t.Errorf("%s message %q missing %q", tc.event.Type, got, frag)
			}
		}
	}
}

func TestFormatUnknownEventEmpty(t *testing.T) {
	if got := Format(&bus.Event{Type: "bot_heartbeat"}); got != "" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestFormatXPFromJSONPayload(t *testing.T) {
	// Payloads that crossed federation have numbers as float64.
	got := Format(&bus.Event{Type: bus.EventXPAwarded, Payload: map[string]any{
		"reviewer": "bob", "amount": float64(25), "review_id": "r5"}})
	if !strings.Contains(got, "25") {
		t.Fatalf("float amount lost: %q", got)
	}
}

func TestNotifierPostsOnDecisionEvents(t *testing.T) {
	eb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eb.Start(ctx)
	defer eb.Stop()

	poster := &capturePoster{}
	n := New(Options{Channel: "C123", Poster: poster})
	if n == nil {
		t.Fatal("notifier nil with explicit poster")
	}
	n.Start(ctx, eb)

	eb.Publish(&bus.Event{Type: bus.EventIntegrationApproved, Payload: map[string]any{
		"source": "ECO", "target": "PIPE", "review_id": "r1"}, Timestamp: time.Now()})
	eb.Publish(&bus.Event{Type: bus.EventBotHeartbeat, Payload: map[string]any{
		"bot_id": "b1"}, Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for poster.posts() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no message posted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if poster.posts() != 1 {
		t.Fatalf("expected 1 post, got %d", poster.posts())
	}
	poster.mu.Lock()
	ch := poster.channels[0]
	poster.mu.Unlock()
	if ch != "C123" {
		t.Fatalf("posted to %s", ch)
	}
}

func TestDisabledWithoutToken(t *testing.T) {
	n := New(Options{})
	if n != nil {
		t.Fatal("expected nil notifier without token")
	}
	// Nil receiver wiring must not panic.
	eb := bus.New()
	n.Start(context.Background(), eb)
}
