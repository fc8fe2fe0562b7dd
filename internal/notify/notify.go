// Package notify posts governance decisions to stakeholder channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/botfactory/botfactory/internal/bus"
)

// Poster abstracts the Slack client for testing.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Options configures a Notifier. With an empty Token the notifier is
// disabled and Start is a no-op.
type Options struct {
	Token   string
	Channel string
	// Poster overrides the client built from Token. Tests use this.
	Poster Poster
}

// Notifier subscribes to decision events and posts a message per event.
type Notifier struct {
	channel string
	poster  Poster
	ctx     context.Context
}

// NotifiedEvents are the bus event types the notifier announces.
var NotifiedEvents = []string{
	bus.EventIntegrationApproved,
	bus.EventIntegrationRejected,
	bus.EventReviewFlagged,
	bus.EventXPAwarded,
}

// New creates a Notifier. Returns nil when no token or poster is set.
func New(opts Options) *Notifier {
	poster := opts.Poster
	if poster == nil {
		if opts.Token == "" {
			return nil
		}
		poster = slack.New(opts.Token)
	}
	return &Notifier{channel: opts.Channel, poster: poster}
}

// Start subscribes the notifier to the bus. Safe to call on a nil
// receiver, which keeps daemon wiring unconditional.
func (n *Notifier) Start(ctx context.Context, events *bus.EventBus) {
	if n == nil {
		return
	}
	n.ctx = ctx
	for _, eventType := range NotifiedEvents {
		events.Subscribe(eventType, "notify-slack", n.post)
	}
}

func (n *Notifier) post(e *bus.Event) error {
	text := Format(e)
	if text == "" {
		return nil
	}
	_, _, err := n.poster.PostMessageContext(n.ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		slog.Warn("Slack notification failed", "type", e.Type, "error", err)
	}
	return err
}

// Format renders one event as a Slack message. Unknown event types
// render empty and are not posted.
func Format(e *bus.Event) string {
	str := func(key string) string {
		s, _ := e.Payload[key].(string)
		return s
	}
	switch e.Type {
	case bus.EventIntegrationApproved:
		return fmt.Sprintf(":white_check_mark: Integration %s → %s approved (review %s)",
			str("source"), str("target"), str("review_id"))
	case bus.EventIntegrationRejected:
		msg := fmt.Sprintf(":no_entry: Integration %s → %s rejected (review %s)",
			str("source"), str("target"), str("review_id"))
		if r := str("rationale"); r != "" {
			msg += "\n> " + r
		}
		return msg
	case bus.EventReviewFlagged:
		return fmt.Sprintf(":warning: Review %s needs human attention: %s",
			str("review_id"), str("reason"))
	case bus.EventXPAwarded:
		amount, _ := e.Payload["amount"].(int)
		if amount == 0 {
			if f, ok := e.Payload["amount"].(float64); ok {
				amount = int(f)
			}
		}
		return fmt.Sprintf(":tada: %s earned %d XP for review %s",
			str("reviewer"), amount, str("review_id"))
	}
	return ""
}
