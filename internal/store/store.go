// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/serenmed/telecare/internal/domain"
)

// ErrVersionMismatch is returned by UpdateSession when the stored version
// no longer matches the caller's expected version.
var ErrVersionMismatch = errors.New("version mismatch")

// SessionStore persists Session entities. Pure data access: business rules
// (overlap checks, state machine) live in the lifecycle manager.
type SessionStore interface {
	// GetSession retrieves a session by id. Returns domain.ErrNotFound if
	// no session exists.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// InsertSession persists a new session.
	InsertSession(ctx context.Context, s *domain.Session) error

	// UpdateSession persists a mutated session only if the stored version
	// still equals expectedVersion (optimistic locking). Returns
	// ErrVersionMismatch otherwise.
	UpdateSession(ctx context.Context, s *domain.Session, expectedVersion int64) error

	// ListCounselorActive retrieves the counselor's non-terminal sessions.
	ListCounselorActive(ctx context.Context, counselorID string) ([]*domain.Session, error)

	// ListParticipantSessions retrieves every session the user takes part
	// in, as patient or counselor.
	ListParticipantSessions(ctx context.Context, userID string) ([]*domain.Session, error)
}

// ChatStore persists Chat and Message entities.
type ChatStore interface {
	// GetChat retrieves a chat by id. Returns domain.ErrNotFound if no
	// chat exists.
	GetChat(ctx context.Context, id string) (*domain.Chat, error)

	// GetOrCreateChat returns the chat between the two users, creating it
	// on first use. The participant pair is unordered.
	GetOrCreateChat(ctx context.Context, userA, userB string) (*domain.Chat, error)

	// AppendMessage persists a message and advances the chat's
	// last_sequence to the message's sequence in the same transaction.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// MessagesSince retrieves messages with sequence > afterSequence in
	// ascending sequence order, up to limit (0 means no limit).
	MessagesSince(ctx context.Context, chatID string, afterSequence int64, limit int) ([]*domain.Message, error)

	// MarkRead records that a user has read every message up to and
	// including the receipt's sequence. A lower watermark than the stored
	// one is ignored.
	MarkRead(ctx context.Context, r domain.ReadReceipt) error

	// ListUserChats retrieves every chat the user participates in.
	ListUserChats(ctx context.Context, userID string) ([]*domain.Chat, error)
}

// Store is the combined persistence surface used by the server wiring.
type Store interface {
	SessionStore
	ChatStore

	// Ping verifies connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
