// Package api provides HTTP handlers for the telecare REST surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/serenmed/telecare/internal/chat"
	"github.com/serenmed/telecare/internal/conference"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/session"
	"github.com/serenmed/telecare/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	store     store.Store
	lifecycle *session.Manager
	sequencer *chat.Sequencer
	rooms     conference.Provider
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(st store.Store, lifecycle *session.Manager, sequencer *chat.Sequencer, rooms conference.Provider) *Handler {
	return &Handler{
		store:     st,
		lifecycle: lifecycle,
		sequencer: sequencer,
		rooms:     rooms,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps a domain failure onto an HTTP status and an actionable
// message. Persistence and timeout failures stay generic so the client
// replays the original request.
func DomainError(w http.ResponseWriter, err error) {
	var (
		conflict *domain.ConflictError
		badTime  *domain.InvalidTimeError
		stale    *domain.StaleVersionError
		terminal *domain.TerminalStateError
		persist  *domain.PersistenceError
		timeout  *domain.TimeoutError
	)
	switch {
	case errors.As(err, &conflict):
		Error(w, http.StatusConflict, "slot no longer available")
	case errors.As(err, &stale):
		Error(w, http.StatusConflict, "session changed, refresh and retry")
	case errors.As(err, &badTime):
		Error(w, http.StatusUnprocessableEntity, badTime.Reason)
	case errors.As(err, &terminal):
		Error(w, http.StatusUnprocessableEntity, "this session can no longer be modified")
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrNotParticipant):
		Error(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, session.ErrInvalidParticipants):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnknownCancellationToken),
		errors.Is(err, session.ErrCancellationTokenExpired):
		Error(w, http.StatusConflict, err.Error())
	case errors.As(err, &persist):
		Error(w, http.StatusServiceUnavailable, "temporary failure, try again")
	case errors.As(err, &timeout):
		Error(w, http.StatusGatewayTimeout, "request timed out, retry with the same idempotency key")
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
