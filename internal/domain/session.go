// Package domain contains core domain types for the telecare realtime core.
package domain

import (
	"time"
)

// Medium is the delivery channel for a counseling session.
type Medium string

const (
	MediumVideo Medium = "video"
	MediumAudio Medium = "audio"
)

// Valid reports whether the medium is a known value.
func (m Medium) Valid() bool {
	return m == MediumVideo || m == MediumAudio
}

// SessionStatus is the state of a counseling session.
type SessionStatus string

const (
	StatusScheduled   SessionStatus = "scheduled"
	StatusRescheduled SessionStatus = "rescheduled"
	StatusCancelled   SessionStatus = "cancelled"
	StatusCompleted   SessionStatus = "completed"
)

// Session represents a scheduled counseling appointment between one patient
// and one counselor. Mutations go through the lifecycle manager only; the
// Version field is the optimistic-concurrency token and increments by one
// on every accepted transition.
type Session struct {
	ID              string        `json:"id"`
	PatientID       string        `json:"patient_id"`
	CounselorID     string        `json:"counselor_id"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Medium          Medium        `json:"medium"`
	Status          SessionStatus `json:"status"`
	Notes           string        `json:"notes,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// End returns the instant the session's scheduled window closes.
func (s *Session) End() time.Time {
	return s.ScheduledAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Terminal reports whether the session can no longer transition.
func (s *Session) Terminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusCompleted
}

// Overlaps reports whether the session's window intersects
// [start, start+duration). Sessions touching only at a boundary do not
// overlap.
func (s *Session) Overlaps(start time.Time, durationMinutes int) bool {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	return s.ScheduledAt.Before(end) && start.Before(s.End())
}

// Participants returns the user ids that should observe session events.
func (s *Session) Participants() []string {
	return []string{s.PatientID, s.CounselorID}
}

// Clone returns a copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	copy := *s
	return &copy
}
