package conversation

import (
	"time"
)

// EventType names what happened in a chat.
type EventType string

// Event types.
const (
	EventPhaseChanged    EventType = "phase_changed"
	EventMessage         EventType = "message"
	EventMissingFields   EventType = "missing_fields"
	EventExternalData    EventType = "external_data"
	EventFetchFailed     EventType = "fetch_failed"
	EventItineraryReady  EventType = "itinerary_ready"
	EventGenerationError EventType = "generation_failed"
	EventDraftUpdated    EventType = "draft_updated"
	EventError           EventType = "error"
)

// Event is a typed notification emitted by a Machine or Assistant.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id"`
	UserID  string    `json:"user_id"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives events. Publish must not block for long and must not call
// back into the Machine that emitted the event.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(e Event) {
	f(e)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Publish implements Sink.
func (ms MultiSink) Publish(e Event) {
	for _, s := range ms {
		if s != nil {
			s.Publish(e)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// MessagePayload accompanies EventMessage.
type MessagePayload struct {
	Role   string `json:"role"`
	Intent string `json:"intent,omitempty"`
}

// FetchPayload accompanies EventExternalData and EventFetchFailed.
type FetchPayload struct {
	Topic  string         `json:"topic"`
	Params map[string]any `json:"params,omitempty"`
	Data   any            `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}
