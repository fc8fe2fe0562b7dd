package federation

import (
	"encoding/json"
	"time"

	"github.com/botfactory/botfactory/internal/bus"
)

// Envelope is the wire form of a mirrored bus event.
type Envelope struct {
	Factory     string         `json:"factory"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	SourceBotID string         `json:"source_bot_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Encode wraps a bus event in an envelope and marshals it.
func Encode(factory string, e *bus.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Factory:     factory,
		Type:        e.Type,
		Payload:     e.Payload,
		SourceBotID: e.SourceBotID,
		Timestamp:   e.Timestamp,
	})
}

// Decode unmarshals an envelope from its wire form.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Event converts the envelope back into a bus event. The payload is
// tagged with the origin factory so consumers never mirror it again.
func (env *Envelope) Event() *bus.Event {
	payload := make(map[string]any, len(env.Payload)+1)
	for k, v := range env.Payload {
		payload[k] = v
	}
	payload[RemoteKey] = env.Factory
	return &bus.Event{
		Type:        env.Type,
		Payload:     payload,
		SourceBotID: env.SourceBotID,
		Timestamp:   env.Timestamp,
	}
}

// RemoteKey marks an event payload as originating from another factory.
const RemoteKey = "remote_factory"

// IsRemote reports whether the event came in over federation.
func IsRemote(e *bus.Event) bool {
	_, ok := e.Payload[RemoteKey]
	return ok
}
