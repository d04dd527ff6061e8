package domain

import (
	"time"
)

// Chat is a two-party persistent messaging thread.
type Chat struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
	LastSequence   int64     `json:"last_sequence"`
}

// HasParticipant reports whether userID is one of the two chat members.
func (c *Chat) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a single chat entry. Sequence is assigned server-side by the
// sequencer, strictly increasing within a chat, and never reused. A message
// is immutable once persisted except for ReadBy additions.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	ReadBy    []string  `json:"read_by,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	copy := *m
	if m.ReadBy != nil {
		copy.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return &copy
}

// ReadReceipt records a user acknowledging every message in a chat up to
// and including UpToSequence.
type ReadReceipt struct {
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id"`
	UpToSequence int64     `json:"up_to_sequence"`
	ReadAt       time.Time `json:"read_at"`
}
