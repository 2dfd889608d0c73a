package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/patrick-hofmann/koompl/internal/store"
)

// FlowEvent is one lifecycle notification pushed to websocket clients.
type FlowEvent struct {
	Event   string           `json:"event"`
	FlowID  uuid.UUID        `json:"flow_id"`
	AgentID uuid.UUID        `json:"agent_id"`
	Status  store.FlowStatus `json:"status"`
	Round   int              `json:"round"`
	At      time.Time        `json:"at"`
}

// Hub fans flow events out to connected websocket clients. Slow clients
// are dropped rather than allowed to block the flow engine.
type Hub struct {
	upgrader websocket.Upgrader
	token    string

	mu      sync.Mutex
	clients map[*websocket.Conn]chan FlowEvent
}

func NewHub(token string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		token:   token,
		clients: make(map[*websocket.Conn]chan FlowEvent),
	}
}

// FlowEvent implements flow.Notifier.
func (h *Hub) FlowEvent(event string, f *store.FlowData) {
	ev := FlowEvent{
		Event:   event,
		FlowID:  f.ID,
		AgentID: f.AgentID,
		Status:  f.Status,
		Round:   f.CurrentRound,
		At:      time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Warn("events.client_too_slow", "remote", conn.RemoteAddr())
			close(ch)
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWS)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && extractBearerToken(r) != h.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("events.upgrade_failed", "error", err)
		return
	}

	ch := make(chan FlowEvent, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	slog.Info("events.client_connected", "remote", conn.RemoteAddr())

	go h.writeLoop(conn, ch)
	h.readLoop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan FlowEvent) {
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop discards client frames; its job is noticing disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	_ = conn.Close()
}
