// Package notify delivers session and chat notifications to out-of-band
// channels (push, email). The core treats delivery as fire-and-forget;
// at-least-once retry is the downstream dispatcher's contract.
package notify

import (
	"context"
	"log/slog"

	"github.com/serenmed/telecare/internal/domain"
)

// Dispatcher sends a notification about eventKind to the given users.
type Dispatcher interface {
	Notify(ctx context.Context, userIDs []string, eventKind domain.EventKind, event domain.Event)
}

// Noop discards every notification. Used in tests and when no downstream
// notifier is configured.
type Noop struct{}

// Notify discards the notification.
func (Noop) Notify(context.Context, []string, domain.EventKind, domain.Event) {}

type queued struct {
	userIDs []string
	kind    domain.EventKind
	event   domain.Event
}

// AsyncDispatcher decouples callers from notification delivery with a
// bounded queue and a single drain goroutine. A full queue drops the
// notification with a warning rather than blocking the caller.
type AsyncDispatcher struct {
	queue chan queued
	sink  Dispatcher
	done  chan struct{}
}

// NewAsync wraps sink with a bounded async queue of the given size.
func NewAsync(sink Dispatcher, queueSize int) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	d := &AsyncDispatcher{
		queue: make(chan queued, queueSize),
		sink:  sink,
		done:  make(chan struct{}),
	}
	go d.drain()
	return d
}

// Notify enqueues the notification without blocking.
func (d *AsyncDispatcher) Notify(_ context.Context, userIDs []string, kind domain.EventKind, event domain.Event) {
	select {
	case d.queue <- queued{userIDs: userIDs, kind: kind, event: event}:
	default:
		slog.Warn("notification queue full, dropping", "kind", kind, "users", len(userIDs))
	}
}

func (d *AsyncDispatcher) drain() {
	defer close(d.done)
	for item := range d.queue {
		d.sink.Notify(context.Background(), item.userIDs, item.kind, item.event)
	}
}

// Close stops the drain goroutine after flushing queued notifications.
func (d *AsyncDispatcher) Close() {
	close(d.queue)
	<-d.done
}

// LogDispatcher writes notifications to the structured log. Stands in for a
// real push provider in development.
type LogDispatcher struct{}

// Notify logs the notification.
func (LogDispatcher) Notify(_ context.Context, userIDs []string, kind domain.EventKind, _ domain.Event) {
	slog.Info("notification dispatched", "kind", kind, "user_ids", userIDs)
}
