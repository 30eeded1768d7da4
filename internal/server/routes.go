package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/signaling"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB
	Subprotocols:    signaling.Subprotocols,

	// Browsers load the client page from wherever it is hosted.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns an http.HandlerFunc that upgrades the request and attaches
// the connection to the hub.
func ServeWs(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
			return
		}

		client := signaling.NewClient(hub, conn)
		if !hub.Register(client) {
			conn.Close()
			return
		}

		// Start the client's read and write pumps in separate goroutines
		// These methods will handle the client's lifecycle
		go client.WritePump()
		go client.ReadPump()
	}
}

// HealthCheck reports liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// ListRooms serves a JSON snapshot of the live rooms.
func ListRooms(rooms *conference.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rooms.Snapshot()); err != nil {
			slog.Warn("failed to encode rooms", "err", err)
		}
	}
}

// NewMux registers all routes.
func NewMux(hub *signaling.Hub, rooms *conference.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthCheck)
	mux.HandleFunc("GET /rooms", ListRooms(rooms))
	mux.HandleFunc("/ws", ServeWs(hub))
	return mux
}
