package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serenmed/telecare/internal/domain"
)

// MemoryStore implements Store with mutex-guarded maps. It backs unit tests
// across packages and the no-database development mode.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	chats    map[string]*domain.Chat
	messages map[string][]*domain.Message
	receipts map[string]map[string]int64 // chatID -> userID -> watermark
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		chats:    make(map[string]*domain.Chat),
		messages: make(map[string][]*domain.Message),
		receipts: make(map[string]map[string]int64),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sess.Clone(), nil
}

// InsertSession persists a new session.
func (s *MemoryStore) InsertSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// UpdateSession persists a mutated session under optimistic locking.
func (s *MemoryStore) UpdateSession(_ context.Context, sess *domain.Session, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sess.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// ListCounselorActive retrieves the counselor's non-terminal sessions.
func (s *MemoryStore) ListCounselorActive(_ context.Context, counselorID string) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.CounselorID == counselorID && !sess.Terminal() {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// ListParticipantSessions retrieves every session the user takes part in.
func (s *MemoryStore) ListParticipantSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, sess := range s.sessions {
		if sess.PatientID == userID || sess.CounselorID == userID {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// GetChat retrieves a chat by id.
func (s *MemoryStore) GetChat(_ context.Context, id string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneChat(chat), nil
}

// GetOrCreateChat returns the chat between the two users, creating it on
// first use.
func (s *MemoryStore) GetOrCreateChat(_ context.Context, userA, userB string) (*domain.Chat, error) {
	a, b := pairKey(userA, userB)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chat := range s.chats {
		if chat.ParticipantIDs[0] == a && chat.ParticipantIDs[1] == b {
			return cloneChat(chat), nil
		}
	}
	chat := &domain.Chat{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{a, b},
		CreatedAt:      time.Now().UTC(),
	}
	s.chats[chat.ID] = chat
	return cloneChat(chat), nil
}

// AppendMessage persists a message and advances the chat's last sequence.
func (s *MemoryStore) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[m.ChatID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, existing := range s.messages[m.ChatID] {
		if existing.Sequence == m.Sequence {
			return fmt.Errorf("sequence %d already used in chat %s", m.Sequence, m.ChatID)
		}
	}
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m.Clone())
	if m.Sequence > chat.LastSequence {
		chat.LastSequence = m.Sequence
	}
	return nil
}

// MessagesSince retrieves messages with sequence > afterSequence in
// ascending order.
func (s *MemoryStore) MessagesSince(_ context.Context, chatID string, afterSequence int64, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages[chatID] {
		if m.Sequence > afterSequence {
			clone := m.Clone()
			for userID, upTo := range s.receipts[chatID] {
				if clone.Sequence <= upTo {
					clone.ReadBy = append(clone.ReadBy, userID)
				}
			}
			out = append(out, clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead records a read watermark without ever regressing it.
func (s *MemoryStore) MarkRead(_ context.Context, r domain.ReadReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks, ok := s.receipts[r.ChatID]
	if !ok {
		marks = make(map[string]int64)
		s.receipts[r.ChatID] = marks
	}
	if r.UpToSequence > marks[r.UserID] {
		marks[r.UserID] = r.UpToSequence
	}
	return nil
}

// ListUserChats retrieves every chat the user participates in.
func (s *MemoryStore) ListUserChats(_ context.Context, userID string) ([]*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Chat
	for _, chat := range s.chats {
		if chat.HasParticipant(userID) {
			out = append(out, cloneChat(chat))
		}
	}
	return out, nil
}

func cloneChat(c *domain.Chat) *domain.Chat {
	copy := *c
	copy.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return &copy
}
