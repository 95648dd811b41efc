package domain

import (
	"time"
)

// EventType classifies the origin domain of an activity event
type EventType string

const (
	// Communication events (email, chat, calls)
	EventTypeCommunication EventType = "communication"

	// Storage events (file create/modify/delete, uploads)
	EventTypeStorage EventType = "storage"

	// Activity events (application usage, task switches)
	EventTypeActivity EventType = "activity"

	// Environmental events (location, device state)
	EventTypeEnvironmental EventType = "environmental"

	// System events (internal housekeeping, health probes)
	EventTypeSystem EventType = "system"
)

// Event is one normalized occurrence on the activity timeline.
// Events are immutable once created; the engine never mutates
// Content, Context, or CorrelationTags after ingestion.
type Event struct {
	EventID   string    `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type" validate:"required"`
	StreamID  string    `json:"stream_id" validate:"required"`

	// Content carries the payload key/values. Semantics are opaque
	// to the correlation core.
	Content map[string]string `json:"content,omitempty"`

	// Context carries situational key/values (location, device, ...)
	// used by contextual pattern detection.
	Context map[string]string `json:"context,omitempty"`

	CorrelationTags []string `json:"correlation_tags,omitempty"`
}

// HasContext reports whether the event carries any situational context.
func (e *Event) HasContext() bool {
	return len(e.Context) > 0
}

// ContextPairs returns the context as canonical "key=value" items.
// Returns nil for events without context.
func (e *Event) ContextPairs() []string {
	if len(e.Context) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(e.Context))
	for k, v := range e.Context {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() Event {
	out := *e
	if e.Content != nil {
		out.Content = make(map[string]string, len(e.Content))
		for k, v := range e.Content {
			out.Content[k] = v
		}
	}
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	if e.CorrelationTags != nil {
		out.CorrelationTags = append([]string(nil), e.CorrelationTags...)
	}
	return out
}
