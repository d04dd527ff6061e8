package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/serenmed/telecare/internal/chat"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/identity"
)

// ChatHandler handles chat and message endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler on top of the base handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chats", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Open)
		r.Get("/{chatID}/messages", h.Messages)
		r.Post("/{chatID}/messages", h.Send)
		r.Post("/{chatID}/read", h.MarkRead)
	})
}

type openChatRequest struct {
	PeerID string `json:"peer_id"`
}

// Open returns the chat between the caller and the peer, creating it on
// first contact.
func (h *ChatHandler) Open(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	var req openChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PeerID == "" || req.PeerID == user.ID {
		Error(w, http.StatusBadRequest, "peer_id must be another user")
		return
	}

	c, err := h.sequencer.EnsureChat(r.Context(), user.ID, req.PeerID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

// List returns every chat the caller participates in.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())

	chats, err := h.store.ListUserChats(r.Context(), user.ID)
	if err != nil {
		DomainError(w, err)
		return
	}
	if chats == nil {
		chats = []*domain.Chat{}
	}
	JSON(w, http.StatusOK, chats)
}

// Messages returns chat messages with sequence greater than
// after_sequence, in sequence order.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadParticipantChat(w, r)
	if !ok {
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after_sequence"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	messages, err := h.store.MessagesSince(r.Context(), c.ID, after, limit)
	if err != nil {
		DomainError(w, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// Send appends a message to the chat.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())
	c, ok := h.loadParticipantChat(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.sequencer.Append(r.Context(), c.ID, user.ID, req.Content, req.ClientMessageID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

type markReadRequest struct {
	UpToSequence int64 `json:"up_to_sequence"`
}

// MarkRead acknowledges every message up to the given sequence.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := identity.FromContext(r.Context())
	c, ok := h.loadParticipantChat(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UpToSequence < 1 {
		Error(w, http.StatusBadRequest, "up_to_sequence must be >= 1")
		return
	}

	if err := h.sequencer.MarkRead(r.Context(), c.ID, req.UpToSequence, user.ID); err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadParticipantChat fetches the routed chat and enforces membership.
func (h *ChatHandler) loadParticipantChat(w http.ResponseWriter, r *http.Request) (*domain.Chat, bool) {
	user, _ := identity.FromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	c, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		DomainError(w, err)
		return nil, false
	}
	if !c.HasParticipant(user.ID) {
		DomainError(w, chat.ErrNotParticipant)
		return nil, false
	}
	return c, true
}
