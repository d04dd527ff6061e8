// Package client maintains a resilient connection to the realtime
// gateway. It tracks per-chat sequence and per-session version high-water
// marks, reconnects with capped exponential backoff, and resynchronizes
// after every reconnect so the caller sees each update exactly once and
// in order.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/gateway"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Handler receives every reconciled domain event, in order, exactly once.
type Handler func(domain.Event)

// Options tune the coordinator. Zero values fall back to defaults.
type Options struct {
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Coordinator owns one gateway connection and its catch-up state.
type Coordinator struct {
	url        string
	handler    Handler
	header     http.Header
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	chatSeq map[string]int64
	sessVer map[string]int64

	syncMu  sync.Mutex
	syncing bool
	pending []domain.Event
}

// New creates a coordinator for the given gateway URL. handler must not
// block: it runs on the read loop.
func New(url string, handler Handler, opts Options) *Coordinator {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Coordinator{
		url:        url,
		handler:    handler,
		header:     opts.Header,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		chatSeq:    make(map[string]int64),
		sessVer:    make(map[string]int64),
	}
}

// TrackChat seeds or restores the last applied sequence for a chat so the
// next resync only replays what is genuinely missing.
func (c *Coordinator) TrackChat(chatID string, lastSequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastSequence > c.chatSeq[chatID] {
		c.chatSeq[chatID] = lastSequence
	} else if _, ok := c.chatSeq[chatID]; !ok {
		c.chatSeq[chatID] = lastSequence
	}
}

// TrackSession seeds or restores the last applied version for a session.
func (c *Coordinator) TrackSession(sessionID string, lastVersion int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastVersion > c.sessVer[sessionID] {
		c.sessVer[sessionID] = lastVersion
	} else if _, ok := c.sessVer[sessionID]; !ok {
		c.sessVer[sessionID] = lastVersion
	}
}

// Run connects and serves events until ctx is cancelled. Every drop
// triggers a backoff-delayed reconnect followed by a resync.
func (c *Coordinator) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The link was up; start the next round of retries fresh.
			backoff = c.minBackoff
		}
		slog.Debug("gateway connection lost", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Coordinator) runOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	cancel()
	if err != nil {
		return false, err
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "done")
	}()

	c.beginSync()
	if err := c.requestResync(ctx, ws); err != nil {
		return true, err
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return true, err
		}
		c.handleFrame(data)
	}
}

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Event     *domain.Event   `json:"event,omitempty"`
}

const resyncRequestID = "resync"

func (c *Coordinator) requestResync(ctx context.Context, ws *websocket.Conn) error {
	payload, err := json.Marshal(c.marks())
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wireFrame{Type: gateway.FrameResync, RequestID: resyncRequestID, Payload: payload})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, frame)
}

func (c *Coordinator) marks() gateway.ResyncRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := gateway.ResyncRequest{}
	for chatID, seq := range c.chatSeq {
		req.Chats = append(req.Chats, gateway.ChatMark{ChatID: chatID, LastSequence: seq})
	}
	for sessionID, ver := range c.sessVer {
		req.Sessions = append(req.Sessions, gateway.SessionMark{SessionID: sessionID, LastVersion: ver})
	}
	return req
}

func (c *Coordinator) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("dropping malformed gateway frame", "error", err)
		return
	}

	switch frame.Type {
	case gateway.FrameEvent:
		if frame.Event == nil {
			return
		}
		c.syncMu.Lock()
		if c.syncing {
			c.pending = append(c.pending, *frame.Event)
			c.syncMu.Unlock()
			return
		}
		c.syncMu.Unlock()
		c.applyEvent(*frame.Event)
	case gateway.FrameAck:
		if frame.RequestID == resyncRequestID {
			c.applyResync(frame.Payload)
			c.finishSync()
		}
	}
}

// beginSync holds live events back until the resync answer has been
// applied. The hub starts publishing the moment the connection registers,
// so a concurrent sender's event can arrive before the backlog; applying
// it first would advance the mark past messages the client never saw.
func (c *Coordinator) beginSync() {
	c.syncMu.Lock()
	c.syncing = true
	c.pending = nil
	c.syncMu.Unlock()
}

// finishSync replays events buffered during the catch-up. Anything the
// resync already covered is dropped by the marks as a duplicate.
func (c *Coordinator) finishSync() {
	c.syncMu.Lock()
	buffered := c.pending
	c.pending = nil
	c.syncing = false
	c.syncMu.Unlock()

	for _, event := range buffered {
		c.applyEvent(event)
	}
}

// applyEvent reconciles one event against the high-water marks. Stale
// duplicates, including the client's own optimistic echoes, are dropped.
func (c *Coordinator) applyEvent(event domain.Event) {
	if !c.advance(event) {
		return
	}
	c.handler(event)
}

func (c *Coordinator) advance(event domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case event.Message != nil:
		if event.Message.Sequence <= c.chatSeq[event.Message.ChatID] {
			return false
		}
		c.chatSeq[event.Message.ChatID] = event.Message.Sequence
		return true
	case event.Session != nil:
		if event.Session.Version <= c.sessVer[event.Session.ID] {
			return false
		}
		c.sessVer[event.Session.ID] = event.Session.Version
		return true
	default:
		// Read receipts carry their own watermark and are safe to replay.
		return true
	}
}

func (c *Coordinator) applyResync(payload json.RawMessage) {
	var resp gateway.ResyncResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		slog.Warn("dropping malformed resync response", "error", err)
		return
	}

	for _, backlog := range resp.Chats {
		for _, msg := range backlog.Messages {
			c.applyEvent(domain.Event{
				Kind:       domain.EventMessageCreated,
				Message:    msg,
				OccurredAt: msg.CreatedAt,
			})
		}
	}
	for _, sess := range resp.Sessions {
		c.applyEvent(domain.Event{
			Kind:       kindForStatus(sess.Status),
			Session:    sess,
			OccurredAt: sess.UpdatedAt,
		})
	}
}

func kindForStatus(status domain.SessionStatus) domain.EventKind {
	switch status {
	case domain.StatusRescheduled:
		return domain.EventSessionRescheduled
	case domain.StatusCancelled:
		return domain.EventSessionCancelled
	case domain.StatusCompleted:
		return domain.EventSessionCompleted
	default:
		return domain.EventSessionCreated
	}
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// jitter spreads reconnect attempts so a fleet of clients does not
// stampede the gateway after an outage.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 5
	return d - spread + rand.N(2*spread+1)
}
