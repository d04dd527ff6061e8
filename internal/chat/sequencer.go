// Package chat assigns per-chat message sequences and records read
// receipts. The sequencer is the only writer of Message entities.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/store"
)

// ErrNotParticipant is returned when the sender is not a member of the
// chat.
var ErrNotParticipant = errors.New("sender is not a chat participant")

// ErrEmptyContent is returned for a message with no content.
var ErrEmptyContent = errors.New("message content is required")

// EventSink receives the event emitted for every accepted append and read
// receipt.
type EventSink interface {
	Publish(targetUserIDs []string, event domain.Event)
}

const (
	defaultStoreTimeout  = 5 * time.Second
	maxIdempotencyRecord = 4096
)

type dedupeKey struct {
	chatID          string
	senderID        string
	clientMessageID string
}

// Sequencer produces persisted messages with a unique, strictly increasing
// per-chat sequence. A per-chat lock is the serialization point: the
// counter only advances when the store write succeeds, so a failed write
// never burns a sequence and no sequence is ever reused.
type Sequencer struct {
	store        store.ChatStore
	sink         EventSink
	storeTimeout time.Duration
	now          func() time.Time

	chatLocks sync.Map // chatID -> *sync.Mutex

	idemMu    sync.Mutex
	idemBy    map[dedupeKey]*domain.Message
	idemOrder []dedupeKey
}

// Options tune the sequencer. Zero values fall back to defaults.
type Options struct {
	StoreTimeout time.Duration
	Now          func() time.Time
}

// NewSequencer creates a sequencer writing through st and emitting events
// to sink.
func NewSequencer(st store.ChatStore, sink EventSink, opts Options) *Sequencer {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sequencer{
		store:        st,
		sink:         sink,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		idemBy:       make(map[dedupeKey]*domain.Message),
	}
}

func (q *Sequencer) lockChat(chatID string) *sync.Mutex {
	lock, _ := q.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Append persists a message with the next sequence for the chat and fans
// the event out to both participants. A repeated clientMessageID within the
// recent window returns the originally persisted message instead of
// creating a duplicate.
func (q *Sequencer) Append(ctx context.Context, chatID, senderID, content, clientMessageID string) (*domain.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	key := dedupeKey{chatID: chatID, senderID: senderID, clientMessageID: clientMessageID}
	if msg := q.idemLookup(key); msg != nil {
		return msg, nil
	}

	lock := q.lockChat(chatID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: the original send may have just landed.
	if msg := q.idemLookup(key); msg != nil {
		return msg, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()

	chat, err := q.store.GetChat(storeCtx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, mapStoreErr("get chat", err)
	}
	if !chat.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Sequence:  chat.LastSequence + 1,
		CreatedAt: q.now().UTC(),
	}

	if err := q.store.AppendMessage(storeCtx, msg); err != nil {
		return nil, mapStoreErr("append message", err)
	}

	q.idemRemember(key, msg)
	q.sink.Publish(chat.ParticipantIDs, domain.MessageEvent(msg))
	return msg.Clone(), nil
}

// MarkRead records that the user has read every message in the chat up to
// and including upToSequence, and notifies both participants.
func (q *Sequencer) MarkRead(ctx context.Context, chatID string, upToSequence int64, userID string) error {
	if upToSequence < 1 {
		return errors.New("up_to_sequence must be >= 1")
	}

	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()

	chat, err := q.store.GetChat(storeCtx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return mapStoreErr("get chat", err)
	}
	if !chat.HasParticipant(userID) {
		return ErrNotParticipant
	}

	receipt := domain.ReadReceipt{
		ChatID:       chatID,
		UserID:       userID,
		UpToSequence: upToSequence,
		ReadAt:       q.now().UTC(),
	}
	if err := q.store.MarkRead(storeCtx, receipt); err != nil {
		return mapStoreErr("mark read", err)
	}

	q.sink.Publish(chat.ParticipantIDs, domain.ReadEvent(receipt))
	return nil
}

// EnsureChat returns the chat between the two users, creating it on first
// contact.
func (q *Sequencer) EnsureChat(ctx context.Context, userA, userB string) (*domain.Chat, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()

	chat, err := q.store.GetOrCreateChat(storeCtx, userA, userB)
	if err != nil {
		return nil, mapStoreErr("get or create chat", err)
	}
	return chat, nil
}

func mapStoreErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

func (q *Sequencer) idemLookup(key dedupeKey) *domain.Message {
	if key.clientMessageID == "" {
		return nil
	}
	q.idemMu.Lock()
	defer q.idemMu.Unlock()
	if msg, ok := q.idemBy[key]; ok {
		return msg.Clone()
	}
	return nil
}

func (q *Sequencer) idemRemember(key dedupeKey, msg *domain.Message) {
	if key.clientMessageID == "" {
		return
	}
	q.idemMu.Lock()
	defer q.idemMu.Unlock()
	if _, ok := q.idemBy[key]; ok {
		return
	}
	q.idemBy[key] = msg.Clone()
	q.idemOrder = append(q.idemOrder, key)
	if len(q.idemOrder) > maxIdempotencyRecord {
		evict := q.idemOrder[0]
		q.idemOrder = q.idemOrder[1:]
		delete(q.idemBy, evict)
	}
}
