package domain

import (
	"time"
)

// EventKind identifies a domain event flowing through the connection hub.
type EventKind string

const (
	EventSessionCreated     EventKind = "session.created"
	EventSessionRescheduled EventKind = "session.rescheduled"
	EventSessionCancelled   EventKind = "session.cancelled"
	EventSessionCompleted   EventKind = "session.completed"
	EventMessageCreated     EventKind = "message.created"
	EventMessageRead        EventKind = "message.read"
)

// Event carries the full snapshot produced by an accepted transition or
// message append. Exactly one event is emitted per accepted mutation.
type Event struct {
	Kind       EventKind    `json:"kind"`
	Session    *Session     `json:"session,omitempty"`
	Message    *Message     `json:"message,omitempty"`
	Read       *ReadReceipt `json:"read,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// SessionEvent builds an event from an accepted session transition.
func SessionEvent(kind EventKind, s *Session) Event {
	return Event{Kind: kind, Session: s.Clone(), OccurredAt: time.Now().UTC()}
}

// MessageEvent builds an event from an accepted message append.
func MessageEvent(m *Message) Event {
	return Event{Kind: EventMessageCreated, Message: m.Clone(), OccurredAt: time.Now().UTC()}
}

// ReadEvent builds an event from a recorded read receipt.
func ReadEvent(r ReadReceipt) Event {
	return Event{Kind: EventMessageRead, Read: &r, OccurredAt: time.Now().UTC()}
}
