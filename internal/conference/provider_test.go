package conference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/serenmed/telecare/internal/domain"
)

func testSession(status domain.SessionStatus, start time.Time) *domain.Session {
	return &domain.Session{
		ID:              "sess-1",
		Status:          status,
		Medium:          domain.MediumVideo,
		ScheduledAt:     start,
		DurationMinutes: 60,
	}
}

func TestRoomFor(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &StaticProvider{JoinWindow: 5 * time.Minute, Now: func() time.Time { return now }}

	room, err := p.RoomFor(context.Background(), testSession(domain.StatusScheduled, now.Add(3*time.Minute)))
	if err != nil {
		t.Fatalf("RoomFor failed: %v", err)
	}
	if room.Key != "video-sess-1" || room.Medium != domain.MediumVideo {
		t.Errorf("unexpected room: %+v", room)
	}
}

func TestRoomFor_NotJoinable(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &StaticProvider{JoinWindow: 5 * time.Minute, Now: func() time.Time { return now }}
	ctx := context.Background()

	cases := []struct {
		name string
		sess *domain.Session
	}{
		{"cancelled", testSession(domain.StatusCancelled, now)},
		{"completed", testSession(domain.StatusCompleted, now)},
		{"too early", testSession(domain.StatusScheduled, now.Add(time.Hour))},
		{"window ended", testSession(domain.StatusRescheduled, now.Add(-2*time.Hour))},
	}
	for _, tc := range cases {
		if _, err := p.RoomFor(ctx, tc.sess); !errors.Is(err, ErrNotJoinable) {
			t.Errorf("%s: expected ErrNotJoinable, got %v", tc.name, err)
		}
	}
}
