package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

const wsWriteWait = 10 * time.Second

// Frame is the JSON message sent for each event over a WebSocket.
type Frame struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocket streams bus events as JSON text frames.
type WebSocket struct {
	*mailbox
	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla/websocket allows one concurrent writer
	heartbeat time.Duration
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	opts = opts.withDefaults()
	return &WebSocket{
		mailbox:   newMailbox(opts.QueueSize),
		conn:      conn,
		heartbeat: opts.Heartbeat,
	}
}

func (c *WebSocket) writeFrame(ev bus.Event) error {
	data, err := ev.Data()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(Frame{ID: ev.ID, Event: bus.EventName, Data: data})
}

func (c *WebSocket) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *WebSocket) writeClose(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

// readLoop consumes client frames so pongs and close frames are processed.
// Missing pongs for two heartbeats end the stream.
func (c *WebSocket) readLoop() {
	defer c.Close()
	deadline := 2 * c.heartbeat
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ Read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
}

// Run writes queued events and ping frames until ctx is done, the subscriber
// closes or the peer goes away. The connection is closed on return.
func (c *WebSocket) Run(ctx context.Context) error {
	go c.readLoop()

	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutdown")
			return nil
		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure, "")
			return nil
		case ev := <-c.queue:
			if err := c.writeFrame(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return err
			}
		}
	}
}
