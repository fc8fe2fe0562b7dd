package federation

import "fmt"

// TopicNames holds the Kafka topic names a factory publishes on.
type TopicNames struct {
	Events     string // all bus events mirrored as-is
	Governance string // integration_approved, integration_rejected, review_flagged
	Heartbeat  string // bot_heartbeat
}

// Topics returns the topic names for the given factory name.
func Topics(factory string) TopicNames {
	return TopicNames{
		Events:     fmt.Sprintf("factory.%s.events", factory),
		Governance: fmt.Sprintf("factory.%s.governance", factory),
		Heartbeat:  fmt.Sprintf("factory.%s.heartbeat", factory),
	}
}

// All returns every topic name as a slice for consumer subscription.
func (t TopicNames) All() []string {
	return []string{t.Events, t.Governance, t.Heartbeat}
}

// TopicFor routes an event type to the topic it is mirrored on.
func (t TopicNames) TopicFor(eventType string) string {
	switch eventType {
	case "integration_approved", "integration_rejected", "review_flagged", "review_completed":
		return t.Governance
	case "bot_heartbeat":
		return t.Heartbeat
	default:
		return t.Events
	}
}
