package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/serenmed/telecare/internal/domain"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (r *recordingDispatcher) Notify(_ context.Context, _ []string, kind domain.EventKind, _ domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordingDispatcher) delivered() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EventKind(nil), r.kinds...)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	sink := &recordingDispatcher{}
	d := NewAsync(sink, 16)

	ctx := context.Background()
	d.Notify(ctx, []string{"u1"}, domain.EventSessionCreated, domain.Event{Kind: domain.EventSessionCreated})
	d.Notify(ctx, []string{"u1"}, domain.EventSessionCancelled, domain.Event{Kind: domain.EventSessionCancelled})
	d.Close()

	got := sink.delivered()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0] != domain.EventSessionCreated || got[1] != domain.EventSessionCancelled {
		t.Errorf("out of order: %v", got)
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	blocking := blockingDispatcher{release: block}
	d := NewAsync(blocking, 1)

	ctx := context.Background()
	// First fills the drain goroutine, second fills the queue, third drops.
	for i := 0; i < 3; i++ {
		d.Notify(ctx, []string{"u1"}, domain.EventMessageCreated, domain.Event{})
	}

	close(block)
	d.Close()
}

type blockingDispatcher struct {
	release chan struct{}
}

func (b blockingDispatcher) Notify(context.Context, []string, domain.EventKind, domain.Event) {
	<-b.release
}
