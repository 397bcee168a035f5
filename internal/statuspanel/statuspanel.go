// Package statuspanel serves a live websocket feed of MAC status snapshots
// (selected port, per-protocol contention window, acked/dropped counts),
// mirroring the teacher's connected-clients-plus-broadcast websocket
// pattern used for its own live telemetry feeds.
package statuspanel

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Snapshot is one point-in-time status record broadcast to every client.
type Snapshot struct {
	SelectedPort int            `json:"selected_port"`
	CSMA         ProtocolStatus `json:"csma"`
	TDMA         ProtocolStatus `json:"tdma"`
}

// ProtocolStatus summarizes one MAC's counters for display.
type ProtocolStatus struct {
	ContentionWindow int `json:"contention_window,omitempty"`
	FramesAcked      int `json:"frames_acked"`
	FramesDropped    int `json:"frames_dropped"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans a Snapshot out to every connected websocket client.
type Hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Snapshot
}

// NewHub creates an empty Hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*websocket.Conn]chan Snapshot)}
}

// Handler upgrades an HTTP request to a websocket connection and registers
// it to receive future Broadcast calls until it disconnects.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("statuspanel: upgrade failed: %v", err)
		return
	}

	ch := make(chan Snapshot, 8)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

// Broadcast sends snap to every currently connected client, dropping it for
// any client whose outbound buffer is full rather than blocking the others.
func (h *Hub) Broadcast(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- snap:
		default:
			h.logf("statuspanel: client buffer full, dropping snapshot")
		}
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
