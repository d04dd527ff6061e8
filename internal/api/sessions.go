package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/identity"
	"github.com/serenmed/telecare/internal/session"
)

// IdempotencyKeyHeader carries the caller's token for safe retries of
// ambiguous-outcome requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler on top of the base handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{sessionID}", h.Get)
		r.Get("/{sessionID}/room", h.Room)
		r.Post("/{sessionID}/reschedule", h.Reschedule)
		r.Post("/{sessionID}/cancel", h.Cancel)
		r.Post("/{sessionID}/cancel/request", h.RequestCancel)
		r.Post("/{sessionID}/cancel/confirm", h.ConfirmCancel)
		r.Post("/{sessionID}/complete", h.Complete)
	})
}

type createSessionRequest struct {
	PatientID       string        `json:"patient_id"`
	CounselorID     string        `json:"counselor_id"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Medium          domain.Medium `json:"medium"`
	Notes           string        `json:"notes,omitempty"`
}

// Create books a new session. The caller must be one of the two
// participants.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if user.ID != req.PatientID && user.ID != req.CounselorID {
		Error(w, http.StatusForbidden, "caller must be a session participant")
		return
	}

	sess, err := h.lifecycle.Create(r.Context(), session.CreateRequest{
		PatientID:       req.PatientID,
		CounselorID:     req.CounselorID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Medium:          req.Medium,
		Notes:           req.Notes,
		IdempotencyKey:  r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		slog.Warn("session create rejected", "user_id", user.ID, "error", err)
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// List returns every session the caller participates in.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	sessions, err := h.store.ListParticipantSessions(r.Context(), user.ID)
	if err != nil {
		DomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// Get returns a single session the caller participates in.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Room returns the conferencing room handle for a joinable session.
func (h *SessionHandler) Room(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	room, err := h.rooms.RoomFor(r.Context(), sess)
	if err != nil {
		Error(w, http.StatusConflict, "session is not joinable")
		return
	}
	JSON(w, http.StatusOK, room)
}

type rescheduleRequest struct {
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	ExpectedVersion int64     `json:"expected_version"`
}

// Reschedule moves a session to a new slot.
func (h *SessionHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	var req rescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.lifecycle.Reschedule(r.Context(), sess.ID, req.ScheduledAt, req.DurationMinutes, req.ExpectedVersion, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

type cancelRequest struct {
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
}

// Cancel performs a direct single-step cancellation.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.lifecycle.Cancel(r.Context(), sess.ID, req.Reason, req.ExpectedVersion)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

// RequestCancel issues a single-use confirmation token for a pending
// cancellation.
func (h *SessionHandler) RequestCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := h.lifecycle.RequestCancellation(r.Context(), sess.ID, req.ExpectedVersion)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"confirmation_token": token})
}

type confirmCancelRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
	Reason            string `json:"reason,omitempty"`
}

// ConfirmCancel consumes a confirmation token and cancels the session.
func (h *SessionHandler) ConfirmCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadParticipantSession(w, r); !ok {
		return
	}
	var req confirmCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.lifecycle.ConfirmCancellation(r.Context(), req.ConfirmationToken, req.Reason)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

type completeRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// Complete marks a past session as completed.
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadParticipantSession(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := h.lifecycle.Complete(r.Context(), sess.ID, req.ExpectedVersion)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

// loadParticipantSession fetches the routed session and enforces that the
// caller is one of its participants.
func (h *SessionHandler) loadParticipantSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	user, _ := identity.FromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.getSession(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return nil, false
	}
	if user.ID != sess.PatientID && user.ID != sess.CounselorID {
		Error(w, http.StatusForbidden, "not a participant")
		return nil, false
	}
	return sess, true
}

func (h *SessionHandler) getSession(ctx context.Context, id string) (*domain.Session, error) {
	return h.store.GetSession(ctx, id)
}
