// Package websocket pushes live gateway events (entity etag bumps,
// rule triggers, pipeline drops, log lines) to connected admin
// clients. The hub goroutine is the sole owner of the client set, the
// same single-owner discipline the gateway event loop applies to the
// registry and queues.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
)

// MessageType tags an outbound event frame.
type MessageType string

const (
	// MessageTypeAttributeChanged reports an Attribute Cache / Node
	// Registry update (a light, sensor, or group etag bump).
	MessageTypeAttributeChanged MessageType = "attribute_changed"
	// MessageTypeRuleTriggered reports a rule firing or a binding
	// install/removal decision.
	MessageTypeRuleTriggered MessageType = "rule_triggered"
	// MessageTypePipelineDrop reports a task rejected or dropped by the
	// Radio I/O Pipeline (queue full, destination unreachable).
	MessageTypePipelineDrop MessageType = "pipeline_drop"
	MessageTypeLog          MessageType = "log"
	MessageTypeNotification MessageType = "notification"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	// sendBacklog is the per-client buffer; a client that stays this
	// far behind the event stream is evicted rather than throttling
	// everyone else.
	sendBacklog = 256
)

// Message is one event frame as serialized to the client.
type Message struct {
	Type      MessageType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans events out to every connected client. All client-set
// mutation happens on the Run goroutine via the attach/detach
// channels; handlers and the event loop only ever touch channels.
type Hub struct {
	attach    chan *client
	detach    chan *client
	events    chan Message
	connCount int64
}

func NewHub() *Hub {
	return &Hub{
		attach: make(chan *client),
		detach: make(chan *client),
		events: make(chan Message, 256),
	}
}

// Run owns the client set until the process exits.
func (h *Hub) Run() {
	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-h.attach:
			clients[c] = struct{}{}
			atomic.AddInt64(&h.connCount, 1)

		case c := <-h.detach:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				atomic.AddInt64(&h.connCount, -1)
			}

		case msg := <-h.events:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Backlog exceeded; drop the client, not the event.
					delete(clients, c)
					close(c.send)
					atomic.AddInt64(&h.connCount, -1)
				}
			}
		}
	}
}

// Broadcast queues an event for every connected client. Never blocks
// the caller: when the hub's own event buffer is full the frame is
// dropped, since a live-event stream has no replay contract.
func (h *Hub) Broadcast(t MessageType, data map[string]interface{}) {
	msg := Message{Type: t, Timestamp: time.Now(), Data: data}
	select {
	case h.events <- msg:
	default:
	}
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt64(&h.connCount))
}

// HandleWebSocket serves one upgraded connection until it closes.
func (h *Hub) HandleWebSocket(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Message, sendBacklog)}
	h.attach <- c
	go c.writeLoop()
	c.readLoop(h)
}

// readLoop drains inbound frames. The channel is one-way in this
// design; inbound traffic only matters as a liveness signal, so frames
// are read and discarded until the connection errors out.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.detach <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"type":%q,"error":"marshal failed"}`, msg.Type))
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
