// Package statusapi streams a running policy pass's action_summary
// counters to CLI followers over a websocket, and exposes a small
// admin HTTP surface (health, current pass status) alongside it.
//
// Grounded on the teacher's cmd/server/handlers/silence_ws.go
// (WebSocketHub: register/unregister/broadcast channels driven by one
// goroutine, per-client write goroutines, ping/pong keepalive), with
// SilenceEvent's payload replaced by PassProgress and the route
// renamed from /ws/silences to /ws/passes.
package statusapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PassProgress is one snapshot of a running policy pass, matching the
// policyrun.Report counters plus the pass/policy identity (spec
// section 9's "rbh_report-style summary line", streamed live instead
// of only logged at pass end).
type PassProgress struct {
	PolicyName string         `json:"policy_name"`
	Scanned    int64          `json:"scanned"`
	Matched    int64          `json:"matched"`
	Succeeded  int64          `json:"succeeded"`
	Failed     int64          `json:"failed"`
	Skipped    int64          `json:"skipped"`
	VolumeByte int64          `json:"volume_bytes"`
	Done       bool           `json:"done"`
	Timestamp  time.Time      `json:"timestamp"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Hub fans out PassProgress events to every connected websocket
// client, following the teacher's register/unregister/broadcast
// channel idiom so the client map is only ever touched from one
// goroutine.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan PassProgress
	register  chan *websocket.Conn
	unregister chan *websocket.Conn
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewHub returns a Hub; call Run in a goroutine before serving
// connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan PassProgress, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run drives the hub's event loop until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.closeAll()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case progress := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				go h.send(conn, progress)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, progress PassProgress) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(progress); err != nil {
		h.logger.Warn("failed to send pass progress", "error", err)
		h.unregister <- conn
	}
}

// Publish queues a progress snapshot for broadcast, dropping it if
// the broadcast channel is saturated rather than blocking the caller
// (the policy run loop that calls Publish must never stall on a slow
// websocket client).
func (h *Hub) Publish(progress PassProgress) {
	progress.Timestamp = time.Now()
	select {
	case h.broadcast <- progress:
	default:
		h.logger.Warn("pass progress broadcast channel full, dropping update", "policy_name", progress.PolicyName)
	}
}

// ServeWS upgrades the request to a websocket and registers it with
// the hub. GET /ws/passes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	h.register <- conn
	go h.readPump(conn)
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// Router builds the admin HTTP surface: a health endpoint and the
// pass-progress websocket, mounted on a gorilla/mux router as the
// teacher does for its own admin/health routes.
func Router(hub *Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws/passes", hub.ServeWS).Methods(http.MethodGet)
	return r
}
