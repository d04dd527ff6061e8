package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/serenmed/telecare/internal/domain"
)

const sendTimeout = 10 * time.Second

// wsConn adapts a websocket connection to the hub's Conn interface.
// Writes are serialized with a mutex because the read loop and the hub
// publish path both write frames.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Send pushes one domain event to the client.
func (c *wsConn) Send(event domain.Event) error {
	return c.writeFrame(serverFrame{Type: FrameEvent, Event: &event})
}

// Close tears the connection down.
func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "connection replaced")
}

func (c *wsConn) writeFrame(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
