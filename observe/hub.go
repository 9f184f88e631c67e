// Package observe is an optional debug side-channel: a websocket hub
// that mirrors resolved events as they flow through a subscription or
// catch-up subscription, for local inspection with any websocket
// client. It never sits on the append/read/subscribe path itself —
// attaching or detaching it cannot affect delivery to the real
// listener.
package observe

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/eventcore/esdbclient-go/subscription"
	"github.com/gorilla/websocket"
)

// Mirrored is one event as broadcast to connected debug clients.
type Mirrored struct {
	StreamID    string `json:"streamId"`
	EventNumber int64  `json:"eventNumber"`
	CommitPos   int64  `json:"commitPos"`
	PreparePos  int64  `json:"preparePos"`
	Payload     []byte `json:"payload"`
}

// Hub fans delivered events out to every connected websocket client.
// The zero value is not usable; build one with NewHub.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Mirrored
	log     *slog.Logger
	upgrade websocket.Upgrader
}

// NewHub builds an empty Hub. log may be nil, in which case a
// discarding logger is used.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		clients: make(map[*websocket.Conn]chan Mirrored),
		log:     log,
		upgrade: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection as a mirror target until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("observe: upgrade failed", "err", err)
		return
	}
	ch := make(chan Mirrored, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn, ch)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan Mirrored) {
	for m := range ch {
		if err := conn.WriteJSON(m); err != nil {
			h.remove(conn, ch)
			return
		}
	}
}

// readLoop drains and discards client frames (there are none expected)
// purely to notice disconnects promptly via the read error.
func (h *Hub) readLoop(conn *websocket.Conn, ch chan Mirrored) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn, ch)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn, ch chan Mirrored) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast pushes m to every connected client, dropping it for any
// client whose outbound buffer is full rather than blocking the
// caller.
func (h *Hub) Broadcast(m Mirrored) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- m:
		default:
			h.log.Warn("observe: dropping mirrored event, client buffer full", "remote", conn.RemoteAddr())
		}
	}
}

// Tap wraps an EventCallback so every event it sees is also
// broadcast, letting a caller attach debug mirroring to a
// subscription without changing its own handling.
func Tap(h *Hub, onEvent subscription.EventCallback) subscription.EventCallback {
	return func(e subscription.ResolvedEvent) error {
		h.Broadcast(Mirrored{StreamID: e.StreamID, EventNumber: e.EventNumber, CommitPos: e.CommitPos, PreparePos: e.PreparePos, Payload: e.Payload})
		return onEvent(e)
	}
}

func (m Mirrored) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}
