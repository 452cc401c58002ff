package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/memorygraph/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	eventWriteTimeout = 5 * time.Second
	// eventQueueSize bounds the events buffered per client. A client whose
	// queue is full is disconnected.
	eventQueueSize = 64
)

// EventMessage is one server-initiated event on the /v0/events stream.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
}

type eventClient struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	ip          string
}

func newEventClient(id string, conn *websocket.Conn, ip string) *eventClient {
	return &eventClient{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, eventQueueSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		ip:          ip,
	}
}

// enqueue never blocks. It reports false when the client's queue is full.
func (c *eventClient) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer on the connection.
func (c *eventClient) writeLoop(onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				onError(err)
				return
			}
		}
	}
}

func (c *eventClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// EventHub fans mutation events out to websocket subscribers. It implements
// memory.Publisher. Publish only enqueues, so a slow subscriber never delays
// the mutation that produced the event.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[string]*eventClient
	seq      uint64
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewEventHub creates a hub. Origins listed in allowedOrigins (or "*") may
// open the websocket; requests without an Origin header are always accepted.
func NewEventHub(allowedOrigins []string, logger zerolog.Logger) *EventHub {
	h := &EventHub{
		clients: make(map[string]*eventClient),
		logger:  logger.With().Str("component", "event-hub").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowedOrigins, origin)
		},
	}
	return h
}

// Publish queues an event for every connected client.
func (h *EventHub) Publish(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Seq:       int64(atomic.AddUint64(&h.seq, 1)),
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	clients := make([]*eventClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, c := range clients {
		if !c.enqueue(payload) {
			dropped++
			h.logger.Warn().Str("client_id", c.id).Str("event", event).Msg("Event queue full, disconnecting client")
			h.remove(c)
		}
	}

	h.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("queued", len(clients)-dropped).
		Int("dropped", dropped).
		Msg("Event broadcast queued")
}

// Count returns the number of connected clients.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the client registered until it disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade event stream")
		return
	}

	id, _ := gonanoid.New()
	c := newEventClient(id, conn, clientIP(r))
	h.add(c)
	go c.writeLoop(func(err error) {
		h.logger.Warn().Err(err).Str("client_id", id).Msg("Failed to deliver event")
		h.remove(c)
	})
	h.logger.Info().Str("client_id", id).Str("ip", c.ip).Msg("Event client connected")

	defer func() {
		h.remove(c)
		h.logger.Info().Str("client_id", id).Msg("Event client disconnected")
	}()

	// Clients never send anything meaningful; reading drives close detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client_id", id).Msg("Event stream read error")
			}
			return
		}
	}
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*eventClient)
	h.mu.Unlock()

	for _, c := range clients {
		// WriteControl may run alongside writeLoop.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
	observability.SetEventClients(0)
}

func (h *EventHub) add(c *eventClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetEventClients(n)
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		observability.SetEventClients(n)
	}
}
