package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(_ []string, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestSequencer(t *testing.T) (*Sequencer, *store.MemoryStore, *recordingSink) {
	t.Helper()
	mem := store.NewMemory()
	sink := &recordingSink{}
	return NewSequencer(mem, sink, Options{}), mem, sink
}

func mustChat(t *testing.T, q *Sequencer) *domain.Chat {
	t.Helper()
	chat, err := q.EnsureChat(context.Background(), "patient-1", "counselor-1")
	if err != nil {
		t.Fatalf("EnsureChat failed: %v", err)
	}
	return chat
}

func TestAppend(t *testing.T) {
	q, _, sink := newTestSequencer(t)
	chat := mustChat(t, q)

	msg, err := q.Append(context.Background(), chat.ID, "patient-1", "hello", "cm-1")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msg.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", msg.Sequence)
	}
	if sink.count() != 1 {
		t.Errorf("expected one message event, got %d", sink.count())
	}
}

func TestAppend_RejectsOutsiders(t *testing.T) {
	q, _, _ := newTestSequencer(t)
	chat := mustChat(t, q)

	if _, err := q.Append(context.Background(), chat.ID, "intruder", "hi", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestAppend_UnknownChat(t *testing.T) {
	q, _, _ := newTestSequencer(t)
	if _, err := q.Append(context.Background(), "missing", "patient-1", "hi", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend_IdempotentRetry(t *testing.T) {
	q, mem, sink := newTestSequencer(t)
	chat := mustChat(t, q)
	ctx := context.Background()

	first, err := q.Append(ctx, chat.ID, "patient-1", "hello", "cm-retry")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// Retry after a dropped acknowledgment.
	second, err := q.Append(ctx, chat.ID, "patient-1", "hello", "cm-retry")
	if err != nil {
		t.Fatalf("retried append failed: %v", err)
	}

	if first.ID != second.ID || first.Sequence != second.Sequence {
		t.Errorf("retry produced a different message: %+v vs %+v", first, second)
	}
	persisted, err := mem.MessagesSince(ctx, chat.ID, 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(persisted) != 1 {
		t.Errorf("expected exactly one persisted message, got %d", len(persisted))
	}
	if sink.count() != 1 {
		t.Errorf("expected exactly one event, got %d", sink.count())
	}
}

// TestAppend_ConcurrentSequences checks the core ordering property: under
// concurrent senders, accepted sequences are exactly 1..N with no
// duplicates and no gaps.
func TestAppend_ConcurrentSequences(t *testing.T) {
	q, mem, _ := newTestSequencer(t)
	chat := mustChat(t, q)
	ctx := context.Background()

	const senders = 2
	const perSender = 50

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		senderID := []string{"patient-1", "counselor-1"}[s]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := q.Append(ctx, chat.ID, senderID, fmt.Sprintf("msg %d", i), ""); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	persisted, err := mem.MessagesSince(ctx, chat.ID, 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(persisted) != senders*perSender {
		t.Fatalf("expected %d messages, got %d", senders*perSender, len(persisted))
	}

	seen := make(map[int64]bool)
	for _, m := range persisted {
		if seen[m.Sequence] {
			t.Errorf("duplicate sequence %d", m.Sequence)
		}
		seen[m.Sequence] = true
	}
	for want := int64(1); want <= int64(senders*perSender); want++ {
		if !seen[want] {
			t.Errorf("missing sequence %d", want)
		}
	}
}

type failingAppendStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *failingAppendStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	remaining := s.failures
	if remaining > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if remaining > 0 {
		return errors.New("disk on fire")
	}
	return s.MemoryStore.AppendMessage(ctx, m)
}

// TestAppend_FailedWriteDoesNotBurnSequence checks that a failed persist
// surfaces a PersistenceError and that the next successful append still
// gets the sequence the failed one would have used.
func TestAppend_FailedWriteDoesNotBurnSequence(t *testing.T) {
	mem := store.NewMemory()
	st := &failingAppendStore{MemoryStore: mem, failures: 1}
	q := NewSequencer(st, &recordingSink{}, Options{})
	ctx := context.Background()

	chat, err := q.EnsureChat(ctx, "patient-1", "counselor-1")
	if err != nil {
		t.Fatalf("EnsureChat failed: %v", err)
	}

	_, err = q.Append(ctx, chat.ID, "patient-1", "lost", "cm-1")
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}

	// Retry with the same client id reacquires the lock and gets a fresh,
	// unburned sequence.
	msg, err := q.Append(ctx, chat.ID, "patient-1", "lost", "cm-1")
	if err != nil {
		t.Fatalf("retried append failed: %v", err)
	}
	if msg.Sequence != 1 {
		t.Errorf("expected sequence 1 after failed write, got %d", msg.Sequence)
	}
}

func TestMarkRead(t *testing.T) {
	q, mem, sink := newTestSequencer(t)
	chat := mustChat(t, q)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Append(ctx, chat.ID, "patient-1", "hi", ""); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	if err := q.MarkRead(ctx, chat.ID, 2, "counselor-1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	msgs, err := mem.MessagesSince(ctx, chat.ID, 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	for _, m := range msgs {
		read := len(m.ReadBy) > 0
		if m.Sequence <= 2 && !read {
			t.Errorf("message %d should be read", m.Sequence)
		}
		if m.Sequence > 2 && read {
			t.Errorf("message %d should be unread", m.Sequence)
		}
	}

	// 3 message events + 1 read event.
	if sink.count() != 4 {
		t.Errorf("expected 4 events, got %d", sink.count())
	}
}

func TestMarkRead_RejectsOutsiders(t *testing.T) {
	q, _, _ := newTestSequencer(t)
	chat := mustChat(t, q)
	if _, err := q.Append(context.Background(), chat.ID, "patient-1", "hi", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := q.MarkRead(context.Background(), chat.ID, 1, "intruder"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestEnsureChat_SamePairSameChat(t *testing.T) {
	q, _, _ := newTestSequencer(t)
	ctx := context.Background()

	a, err := q.EnsureChat(ctx, "patient-1", "counselor-1")
	if err != nil {
		t.Fatalf("EnsureChat failed: %v", err)
	}
	// Reversed pair resolves to the same chat.
	b, err := q.EnsureChat(ctx, "counselor-1", "patient-1")
	if err != nil {
		t.Fatalf("EnsureChat failed: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected one chat for the pair, got %s and %s", a.ID, b.ID)
	}
}
