package gateway

import (
	"context"

	"github.com/serenmed/telecare/internal/domain"
)

const resyncBatchLimit = 500

// resync replays everything the client missed. The caller's chats and
// sessions are enumerated server-side so entities created while the client
// was offline are recovered too; the request's marks only say how far the
// client already got, and an absent mark means "from the beginning". Store
// failures propagate instead of silently shrinking the answer.
func (h *Handler) resync(ctx context.Context, userID string, req ResyncRequest) (*ResyncResponse, error) {
	chatMarks := make(map[string]int64, len(req.Chats))
	for _, mark := range req.Chats {
		chatMarks[mark.ChatID] = mark.LastSequence
	}
	sessionMarks := make(map[string]int64, len(req.Sessions))
	for _, mark := range req.Sessions {
		sessionMarks[mark.SessionID] = mark.LastVersion
	}

	resp := &ResyncResponse{
		Chats:    []ChatBacklog{},
		Sessions: []*domain.Session{},
	}

	chats, err := h.store.ListUserChats(ctx, userID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list chats", Err: err}
	}
	for _, c := range chats {
		after := chatMarks[c.ID]
		if c.LastSequence <= after {
			continue
		}

		backlog := ChatBacklog{ChatID: c.ID, Messages: []*domain.Message{}}
		for {
			batch, err := h.store.MessagesSince(ctx, c.ID, after, resyncBatchLimit)
			if err != nil {
				return nil, &domain.PersistenceError{Op: "list messages", Err: err}
			}
			backlog.Messages = append(backlog.Messages, batch...)
			if len(batch) < resyncBatchLimit {
				break
			}
			after = batch[len(batch)-1].Sequence
		}
		resp.Chats = append(resp.Chats, backlog)
	}

	sessions, err := h.store.ListParticipantSessions(ctx, userID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list sessions", Err: err}
	}
	for _, sess := range sessions {
		if sess.Version > sessionMarks[sess.ID] {
			resp.Sessions = append(resp.Sessions, sess)
		}
	}

	return resp, nil
}
