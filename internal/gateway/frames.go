package gateway

import (
	"encoding/json"
	"time"

	"github.com/serenmed/telecare/internal/domain"
)

// Client frame types.
const (
	FrameSessionCreate = "session.create"
	FrameSessionMove   = "session.reschedule"
	FrameSessionCancel = "session.cancel"
	FrameCancelRequest = "session.cancel.request"
	FrameCancelConfirm = "session.cancel.confirm"
	FrameSessionDone   = "session.complete"
	FrameChatOpen      = "chat.open"
	FrameChatSend      = "chat.send"
	FrameChatRead      = "chat.read"
	FrameResync        = "resync"
	FramePing          = "ping"
)

// Server frame types.
const (
	FrameAck   = "ack"
	FrameEvent = "event"
	FrameError = "error"
	FramePong  = "pong"
)

// Error codes carried in error frames.
const (
	CodeConflict       = "conflict"
	CodeStaleVersion   = "stale_version"
	CodeInvalidTime    = "invalid_time"
	CodeTerminalState  = "terminal_state"
	CodeNotFound       = "not_found"
	CodeNotParticipant = "not_participant"
	CodeBadRequest     = "bad_request"
	CodeUnavailable    = "unavailable"
	CodeTimeout        = "timeout"
	CodeUnknownToken   = "unknown_token"
	CodeInternal       = "internal"
)

// clientFrame is the envelope for every client request. request_id is
// echoed in the matching ack or error so the client can pair them up.
type clientFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is the envelope for everything the gateway sends.
type serverFrame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Payload   interface{}   `json:"payload,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Error     *frameError   `json:"error,omitempty"`
}

type frameError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type createSessionPayload struct {
	PatientID       string        `json:"patient_id"`
	CounselorID     string        `json:"counselor_id"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Medium          domain.Medium `json:"medium"`
	Notes           string        `json:"notes,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
}

type reschedulePayload struct {
	SessionID       string    `json:"session_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	ExpectedVersion int64     `json:"expected_version"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
}

type cancelPayload struct {
	SessionID       string `json:"session_id"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
}

type confirmCancelPayload struct {
	ConfirmationToken string `json:"confirmation_token"`
	Reason            string `json:"reason,omitempty"`
}

type completePayload struct {
	SessionID       string `json:"session_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

type openChatPayload struct {
	PeerID string `json:"peer_id"`
}

type sendMessagePayload struct {
	ChatID          string `json:"chat_id"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type markReadPayload struct {
	ChatID       string `json:"chat_id"`
	UpToSequence int64  `json:"up_to_sequence"`
}

// ResyncRequest carries the client's high-water marks after a reconnect.
type ResyncRequest struct {
	Chats    []ChatMark    `json:"chats,omitempty"`
	Sessions []SessionMark `json:"sessions,omitempty"`
}

// ChatMark is the last sequence a client has applied for one chat.
type ChatMark struct {
	ChatID       string `json:"chat_id"`
	LastSequence int64  `json:"last_sequence"`
}

// SessionMark is the last version a client has applied for one session.
type SessionMark struct {
	SessionID   string `json:"session_id"`
	LastVersion int64  `json:"last_version"`
}

// ResyncResponse returns everything the client missed while offline.
type ResyncResponse struct {
	Chats    []ChatBacklog     `json:"chats"`
	Sessions []*domain.Session `json:"sessions"`
}

// ChatBacklog is the ordered tail of messages a client has not yet seen.
type ChatBacklog struct {
	ChatID   string            `json:"chat_id"`
	Messages []*domain.Message `json:"messages"`
}
