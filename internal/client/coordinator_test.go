package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/serenmed/telecare/internal/chat"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/gateway"
	"github.com/serenmed/telecare/internal/hub"
	"github.com/serenmed/telecare/internal/identity"
	"github.com/serenmed/telecare/internal/session"
	"github.com/serenmed/telecare/internal/store"
)

func message(chatID string, seq int64) domain.Event {
	return domain.Event{
		Kind:    domain.EventMessageCreated,
		Message: &domain.Message{ID: "m", ChatID: chatID, SenderID: "u", Content: "x", Sequence: seq},
	}
}

func sessionEvent(id string, version int64, status domain.SessionStatus) domain.Event {
	return domain.Event{
		Kind:    domain.EventSessionCreated,
		Session: &domain.Session{ID: id, Version: version, Status: status},
	}
}

func newRecording() (*Coordinator, *[]domain.Event) {
	var applied []domain.Event
	c := New("ws://unused", func(e domain.Event) { applied = append(applied, e) }, Options{})
	return c, &applied
}

func TestApplyEvent_OrdersAndDropsStaleMessages(t *testing.T) {
	c, applied := newRecording()

	c.applyEvent(message("chat-1", 1))
	c.applyEvent(message("chat-1", 2))
	c.applyEvent(message("chat-1", 2)) // duplicate delivery
	c.applyEvent(message("chat-1", 1)) // stale echo

	if len(*applied) != 2 {
		t.Fatalf("expected 2 applied events, got %d", len(*applied))
	}
	if (*applied)[0].Message.Sequence != 1 || (*applied)[1].Message.Sequence != 2 {
		t.Errorf("events applied out of order: %+v", *applied)
	}
}

func TestApplyEvent_IndependentChats(t *testing.T) {
	c, applied := newRecording()

	c.applyEvent(message("chat-1", 5))
	c.applyEvent(message("chat-2", 1))

	if len(*applied) != 2 {
		t.Fatalf("expected both chats to advance, got %d events", len(*applied))
	}
}

func TestApplyEvent_SessionVersions(t *testing.T) {
	c, applied := newRecording()

	c.applyEvent(sessionEvent("sess-1", 2, domain.StatusRescheduled))
	c.applyEvent(sessionEvent("sess-1", 1, domain.StatusScheduled)) // stale snapshot
	c.applyEvent(sessionEvent("sess-1", 3, domain.StatusCancelled))

	if len(*applied) != 2 {
		t.Fatalf("expected 2 applied events, got %d", len(*applied))
	}
	if (*applied)[1].Session.Version != 3 {
		t.Errorf("expected version 3 last, got %d", (*applied)[1].Session.Version)
	}
}

func TestTrackChatSeedsMarks(t *testing.T) {
	c, applied := newRecording()
	c.TrackChat("chat-1", 3)

	c.applyEvent(message("chat-1", 3)) // already seen before the restart
	c.applyEvent(message("chat-1", 4))

	if len(*applied) != 1 || (*applied)[0].Message.Sequence != 4 {
		t.Fatalf("expected only sequence 4, got %+v", *applied)
	}

	req := c.marks()
	if len(req.Chats) != 1 || req.Chats[0].LastSequence != 4 {
		t.Errorf("unexpected marks: %+v", req.Chats)
	}
}

func marshalFrame(t *testing.T, frame wireFrame) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// A sender can land a message between the moment the connection registers
// and the moment the resync answer arrives. That live event must not
// advance the mark past the still-missing backlog.
func TestLiveEventDuringCatchUpDoesNotSkipBacklog(t *testing.T) {
	c, applied := newRecording()
	c.TrackChat("chat-1", 5)

	c.beginSync()

	live := message("chat-1", 9)
	c.handleFrame(marshalFrame(t, wireFrame{Type: gateway.FrameEvent, Event: &live}))
	if len(*applied) != 0 {
		t.Fatalf("live event applied before catch-up finished: %+v", *applied)
	}

	var backlog []*domain.Message
	for seq := int64(6); seq <= 9; seq++ {
		backlog = append(backlog, &domain.Message{ID: "m", ChatID: "chat-1", SenderID: "u", Content: "x", Sequence: seq})
	}
	payload, err := json.Marshal(gateway.ResyncResponse{
		Chats: []gateway.ChatBacklog{{ChatID: "chat-1", Messages: backlog}},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.handleFrame(marshalFrame(t, wireFrame{Type: gateway.FrameAck, RequestID: resyncRequestID, Payload: payload}))

	if len(*applied) != 4 {
		t.Fatalf("expected sequences 6..9, got %d events", len(*applied))
	}
	for i, e := range *applied {
		if want := int64(6 + i); e.Message.Sequence != want {
			t.Errorf("position %d: expected sequence %d, got %d", i, want, e.Message.Sequence)
		}
	}

	// Once caught up, live events flow straight through again.
	next := message("chat-1", 10)
	c.handleFrame(marshalFrame(t, wireFrame{Type: gateway.FrameEvent, Event: &next}))
	if len(*applied) != 5 || (*applied)[4].Message.Sequence != 10 {
		t.Errorf("live event after catch-up not applied: %+v", *applied)
	}
}

func TestNextBackoff(t *testing.T) {
	got := nextBackoff(500*time.Millisecond, 30*time.Second)
	if got != time.Second {
		t.Errorf("expected 1s, got %s", got)
	}
	if got := nextBackoff(20*time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("expected cap at 30s, got %s", got)
	}
	if got := nextBackoff(30*time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoff must not exceed the cap, got %s", got)
	}
}

func TestJitterStaysNearBase(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
}

// End-to-end: the coordinator connects, resyncs a missed backlog, sees a
// live event, survives a forced disconnect, and catches up again.
func TestCoordinatorReconnectAndResync(t *testing.T) {
	st := store.NewMemory()
	h := hub.New()
	lifecycle := session.NewManager(st, h, nil, session.Options{})
	sequencer := chat.NewSequencer(st, h, chat.Options{})

	handler := gateway.NewHandler(st, lifecycle, sequencer, h, "*", true)
	srv := httptest.NewServer(identity.Middleware(true)(handler))
	defer srv.Close()

	ctx := context.Background()
	c, err := sequencer.EnsureChat(ctx, "pat-1", "cou-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := sequencer.Append(ctx, c.ID, "pat-1", "while offline", ""); err != nil {
			t.Fatal(err)
		}
	}

	events := make(chan domain.Event, 16)
	header := http.Header{}
	header.Set(identity.UserHeaderName, "cou-1")
	coord := New("ws"+strings.TrimPrefix(srv.URL, "http"), func(e domain.Event) { events <- e }, Options{
		Header:     header,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	})
	coord.TrackChat(c.ID, 0)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- coord.Run(runCtx) }()

	waitEvent := func(wantSeq int64) {
		t.Helper()
		select {
		case e := <-events:
			if e.Message == nil || e.Message.Sequence != wantSeq {
				t.Fatalf("expected sequence %d, got %+v", wantSeq, e)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for sequence %d", wantSeq)
		}
	}

	// Resync replays the backlog written before the first connect.
	waitEvent(1)
	waitEvent(2)

	// A live append flows through as an event.
	if _, err := sequencer.Append(ctx, c.ID, "pat-1", "live", ""); err != nil {
		t.Fatal(err)
	}
	waitEvent(3)

	// Force a drop, write while disconnected, and expect the reconnect
	// resync to deliver exactly the missed message.
	h.CloseUser("cou-1")
	if _, err := sequencer.Append(ctx, c.ID, "pat-1", "missed", ""); err != nil {
		t.Fatal(err)
	}
	waitEvent(4)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop on cancel")
	}
}
