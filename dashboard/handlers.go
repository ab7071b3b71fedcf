package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler bundles the two operator-facing dashboard endpoints: a plain
// JSON snapshot and a WebSocket stream of the same snapshot on an
// interval.
type Handler struct {
	service *Service
	hub     *Hub
}

func NewHandler(service *Service, hub *Hub) *Handler {
	return &Handler{service: service, hub: hub}
}

// ServeSnapshot handles GET /api/dashboard.
func (h *Handler) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Collect(r.Context())
	if err != nil {
		http.Error(w, "failed to collect dashboard snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// ServeStream handles GET /api/stream, upgrading to a WebSocket and
// registering the connection with the hub's broadcast loop.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[DASHBOARD] websocket upgrade failed: %v", err)
		return
	}
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[DASHBOARD] websocket error: %v", err)
			}
			break
		}
	}
}
