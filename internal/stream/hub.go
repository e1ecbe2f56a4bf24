// Package stream fans RegisterUpdates out to websocket clients connected
// to the HTTP/streaming API. Adapted from the teacher's
// internal/websocket.Hub (register/unregister channels, per-client buffered
// Send channel, skip-on-full-buffer broadcast), rewired to consume
// internal/bus.Bus events instead of an ad hoc broadcast channel, and to
// carry modbusmodel.RegisterUpdate payloads instead of the teacher's
// flow/node status messages.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is the JSON envelope written to every connected client.
type Message struct {
	Type      string                      `json:"type"`
	Timestamp time.Time                   `json:"timestamp"`
	Update    *modbusmodel.RegisterUpdate `json:"update,omitempty"`
	Lagged    int                         `json:"lagged,omitempty"`
	Log       *LogEntry                   `json:"log,omitempty"`
}

// LogEntry carries one structured log line, for dashboards that tail
// backend logs over the same stream as register updates.
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Source  string                 `json:"source"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// client is a single websocket connection's outbound queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub subscribes once to the Broadcast Bus and re-broadcasts every
// RegisterUpdate to however many websocket clients are currently attached.
type Hub struct {
	sub *bus.Subscription
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub subscribes to b and returns a Hub ready to have Run started in its
// own goroutine and HandleConn called per incoming websocket upgrade.
func NewHub(b *bus.Bus, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sub:     b.Subscribe(),
		log:     log,
		clients: make(map[string]*client),
	}
}

// Run drains the bus subscription and fans each event out to every
// connected client until ctx is cancelled or the bus closes. It never
// blocks on a slow client: broadcast uses a non-blocking send, same
// as the teacher's Hub.broadcastMessage.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.sub.C:
			if !ok {
				h.broadcast(Message{Type: "closed", Timestamp: time.Now().UTC()})
				return
			}
			msg := Message{Type: "update", Timestamp: time.Now().UTC(), Update: &ev.Update}
			if ev.Lagged > 0 {
				msg.Lagged = ev.Lagged
			}
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// client's send buffer is full, skip this message for it
		}
	}
}

// BroadcastLog fans one structured log line out to every connected
// client. Meant to be passed as a logger.BroadcastFunc so the dashboard
// can tail backend logs over the same stream as register updates.
func (h *Hub) BroadcastLog(level, message, source string, fields map[string]interface{}) {
	h.broadcast(Message{
		Type:      "log",
		Timestamp: time.Now().UTC(),
		Log:       &LogEntry{Level: level, Message: message, Source: source, Fields: fields},
	})
}

// ClientCount reports how many websocket clients are currently attached.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConn drives one accepted websocket connection until it closes.
// Meant to be passed to github.com/gofiber/websocket/v2.New.
func (h *Hub) HandleConn(conn *websocket.Conn) {
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Message, 64)}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.send)
		conn.Close()
	}()

	go c.writePump(h.log)
	c.readPump(h.log)
}

// readPump discards inbound client frames (this is a push-only stream) but
// must keep reading so control frames (ping/close) are processed and the
// connection's death is detected promptly.
func (c *client) readPump(log *zap.Logger) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			body, err := json.Marshal(msg)
			if err != nil {
				log.Warn("stream: marshal message failed", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
