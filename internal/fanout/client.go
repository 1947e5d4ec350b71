package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundCap bounds each client's pending-message queue; a client whose
// queue fills up is treated as dead and dropped, per spec.md §4.7.
const outboundCap = 64

// client wraps one accepted browser WebSocket connection.
type client struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
	logger      *slog.Logger

	outbound  chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, sendTimeout time.Duration, logger *slog.Logger) *client {
	return &client{
		conn:        conn,
		sendTimeout: sendTimeout,
		logger:      logger,
		outbound:    make(chan any, outboundCap),
		done:        make(chan struct{}),
	}
}

// pongReply is the literal shape the client's JSON ping is answered
// with — separate from the envelope schema, which only wraps state
// updates and heartbeats.
type pongReply struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// enqueue queues msg (an Envelope or pongReply) for delivery. If the
// client's queue is already full it is treated as dead: the client is
// closed rather than having this call block the publisher.
func (c *client) enqueue(msg any) {
	select {
	case c.outbound <- msg:
	default:
		c.logger.Warn("client outbound queue full, closing")
		c.close()
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				c.logger.Warn("failed to marshal envelope", "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Debug("client write failed, closing", "error", err)
				c.close()
				return
			}
		}
	}
}

// readPump drains inbound frames, replying to JSON ping frames with
// pong, until the connection errors or closes. Blocks the calling
// goroutine.
func (c *client) readPump() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			c.enqueue(pongReply{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}
}

// close is idempotent: it may be called from enqueue (queue-full),
// writePump (write error), or the server's cleanup path.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
