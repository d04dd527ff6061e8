// Package gateway is the realtime WebSocket boundary. Each accepted
// connection registers with the hub, serves request frames until the
// client disconnects, and receives every domain event addressed to its
// user in between.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/serenmed/telecare/internal/chat"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/hub"
	"github.com/serenmed/telecare/internal/identity"
	"github.com/serenmed/telecare/internal/session"
	"github.com/serenmed/telecare/internal/store"
)

// Handler upgrades HTTP requests to WebSocket connections and dispatches
// typed request frames.
type Handler struct {
	store         store.Store
	lifecycle     *session.Manager
	sequencer     *chat.Sequencer
	hub           *hub.Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a gateway handler.
func NewHandler(st store.Store, lifecycle *session.Manager, sequencer *chat.Sequencer, h *hub.Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		store:         st,
		lifecycle:     lifecycle,
		sequencer:     sequencer,
		hub:           h,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	conn := newWSConn(ws)
	connID := uuid.NewString()
	h.hub.Register(userID, connID, conn)
	defer h.hub.Unregister(userID, connID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, conn, ws, userID)
	slog.Info("WebSocket connection closed", "user_id", userID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, conn *wsConn, ws *websocket.Conn, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.writeError(conn, "", CodeBadRequest, "malformed frame", false)
			continue
		}

		payload, err := h.dispatch(ctx, userID, frame)
		if err != nil {
			code, msg := errorCode(err)
			h.writeError(conn, frame.RequestID, code, msg, domain.Retryable(err))
			continue
		}
		if err := conn.writeFrame(serverFrame{Type: ackType(frame.Type), RequestID: frame.RequestID, Payload: payload}); err != nil {
			slog.Debug("Failed to write ack", "error", err, "user_id", userID)
			return
		}
	}
}

func ackType(frameType string) string {
	if frameType == FramePing {
		return FramePong
	}
	return FrameAck
}

func (h *Handler) writeError(conn *wsConn, requestID, code, message string, retryable bool) {
	err := conn.writeFrame(serverFrame{
		Type:      FrameError,
		RequestID: requestID,
		Error:     &frameError{Code: code, Message: message, Retryable: retryable},
	})
	if err != nil {
		slog.Debug("Failed to write error frame", "error", err)
	}
}

var errBadPayload = errors.New("malformed payload")

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadPayload
	}
	return nil
}

//nolint:gocognit // Frame dispatch is a flat switch over every request type.
func (h *Handler) dispatch(ctx context.Context, userID string, frame clientFrame) (interface{}, error) {
	switch frame.Type {
	case FramePing:
		return nil, nil

	case FrameSessionCreate:
		var p createSessionPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if userID != p.PatientID && userID != p.CounselorID {
			return nil, chat.ErrNotParticipant
		}
		return h.lifecycle.Create(ctx, session.CreateRequest{
			PatientID:       p.PatientID,
			CounselorID:     p.CounselorID,
			ScheduledAt:     p.ScheduledAt,
			DurationMinutes: p.DurationMinutes,
			Medium:          p.Medium,
			Notes:           p.Notes,
			IdempotencyKey:  p.IdempotencyKey,
		})

	case FrameSessionMove:
		var p reschedulePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := h.requireParticipant(ctx, userID, p.SessionID); err != nil {
			return nil, err
		}
		return h.lifecycle.Reschedule(ctx, p.SessionID, p.ScheduledAt, p.DurationMinutes, p.ExpectedVersion, p.IdempotencyKey)

	case FrameSessionCancel:
		var p cancelPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := h.requireParticipant(ctx, userID, p.SessionID); err != nil {
			return nil, err
		}
		return h.lifecycle.Cancel(ctx, p.SessionID, p.Reason, p.ExpectedVersion)

	case FrameCancelRequest:
		var p cancelPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := h.requireParticipant(ctx, userID, p.SessionID); err != nil {
			return nil, err
		}
		token, err := h.lifecycle.RequestCancellation(ctx, p.SessionID, p.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		return map[string]string{"confirmation_token": token}, nil

	case FrameCancelConfirm:
		var p confirmCancelPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return h.lifecycle.ConfirmCancellation(ctx, p.ConfirmationToken, p.Reason)

	case FrameSessionDone:
		var p completePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := h.requireParticipant(ctx, userID, p.SessionID); err != nil {
			return nil, err
		}
		return h.lifecycle.Complete(ctx, p.SessionID, p.ExpectedVersion)

	case FrameChatOpen:
		var p openChatPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if p.PeerID == "" || p.PeerID == userID {
			return nil, errBadPayload
		}
		return h.sequencer.EnsureChat(ctx, userID, p.PeerID)

	case FrameChatSend:
		var p sendMessagePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return h.sequencer.Append(ctx, p.ChatID, userID, p.Content, p.ClientMessageID)

	case FrameChatRead:
		var p markReadPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		if err := h.sequencer.MarkRead(ctx, p.ChatID, p.UpToSequence, userID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil

	case FrameResync:
		var p ResyncRequest
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return h.resync(ctx, userID, p)

	default:
		return nil, errBadPayload
	}
}

func (h *Handler) requireParticipant(ctx context.Context, userID, sessionID string) error {
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if userID != sess.PatientID && userID != sess.CounselorID {
		return chat.ErrNotParticipant
	}
	return nil
}

func errorCode(err error) (string, string) {
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
		return CodeConflict, "slot no longer available"
	case errors.As(err, &stale):
		return CodeStaleVersion, "refresh and retry with the current version"
	case errors.As(err, &badTime):
		return CodeInvalidTime, badTime.Reason
	case errors.As(err, &terminal):
		return CodeTerminalState, "this session can no longer be modified"
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, chat.ErrNotParticipant):
		return CodeNotParticipant, "not a participant"
	case errors.Is(err, session.ErrUnknownCancellationToken),
		errors.Is(err, session.ErrCancellationTokenExpired):
		return CodeUnknownToken, err.Error()
	case errors.Is(err, errBadPayload),
		errors.Is(err, session.ErrInvalidParticipants),
		errors.Is(err, chat.ErrEmptyContent):
		return CodeBadRequest, err.Error()
	case errors.As(err, &persist):
		return CodeUnavailable, "temporary failure, try again"
	case errors.As(err, &timeout):
		return CodeTimeout, "request timed out, retry with the same idempotency key"
	default:
		return CodeInternal, "internal error"
	}
}
