package agent

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // API binds to loopback by default
}

// Event types streamed to API clients.
const (
	EventPeerStatus  = "peer_status"
	EventPeerAdded   = "peer_added"
	EventPeerRemoved = "peer_removed"
)

// Event is one message on the /events stream.
type Event struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	PublicKey string     `json:"public_key,omitempty"`
	Peers     []PeerInfo `json:"peers,omitempty"`
}

type eventClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *eventClient) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// EventHub fans events out to connected websocket clients.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	log     *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		clients: make(map[*eventClient]struct{}),
		log:     log.With("component", "events"),
	}
}

// Broadcast sends an event to every connected client, dropping clients
// whose connection has failed.
func (h *EventHub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	clients := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.sendJSON(ev); err != nil {
			h.drop(c)
		}
	}
}

func (h *EventHub) drop(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// HandleConnect upgrades an API request to a websocket event stream.
func (h *EventHub) HandleConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}
	client := &eventClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Info("event client connected", "remote", c.Request.RemoteAddr)

	// Read loop only to observe the close; clients never send.
	go func() {
		defer func() {
			h.drop(client)
			h.log.Info("event client disconnected", "remote", c.Request.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
