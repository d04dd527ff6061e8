// Package conference hands out joinable room handles for sessions whose
// time has arrived. Media transport itself belongs to the external
// conferencing vendor; the core only derives a room key from the session.
package conference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serenmed/telecare/internal/domain"
)

// ErrNotJoinable is returned for sessions that are terminal or whose
// window is not open yet.
var ErrNotJoinable = errors.New("session is not joinable")

// Room is a handle the client passes to the conferencing vendor.
type Room struct {
	Key    string        `json:"key"`
	Medium domain.Medium `json:"medium"`
}

// Provider resolves a joinable room for a session.
type Provider interface {
	RoomFor(ctx context.Context, sess *domain.Session) (Room, error)
}

// StaticProvider derives room keys locally. JoinWindow controls how early
// before the scheduled start a participant may join.
type StaticProvider struct {
	JoinWindow time.Duration
	Now        func() time.Time
}

// NewStatic creates a provider with the given early-join window.
func NewStatic(joinWindow time.Duration) *StaticProvider {
	return &StaticProvider{JoinWindow: joinWindow, Now: time.Now}
}

// RoomFor returns the session's room handle once its window is open.
func (p *StaticProvider) RoomFor(_ context.Context, sess *domain.Session) (Room, error) {
	if sess.Terminal() {
		return Room{}, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrNotJoinable)
	}

	now := p.Now()
	if now.Before(sess.ScheduledAt.Add(-p.JoinWindow)) {
		return Room{}, fmt.Errorf("session %s starts at %s: %w", sess.ID, sess.ScheduledAt.Format(time.RFC3339), ErrNotJoinable)
	}
	if now.After(sess.End()) {
		return Room{}, fmt.Errorf("session %s window ended: %w", sess.ID, ErrNotJoinable)
	}

	return Room{
		Key:    fmt.Sprintf("%s-%s", sess.Medium, sess.ID),
		Medium: sess.Medium,
	}, nil
}
