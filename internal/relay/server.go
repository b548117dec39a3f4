package relay

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/slidecast/slidecast/internal/protocol"
)

// Configure the websocket upgrader. 64 KB buffers fit WebRTC SDP payloads.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Web viewers connect from arbitrary presentation origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS returns an http.HandlerFunc that upgrades signaling connections
// and hands them to the hub.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := &Client{
			hub:  hub,
			conn: conn,
			Send: make(chan *protocol.Message, 256),
		}

		hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

// Handler assembles the relay's HTTP surface: the signaling websocket and a
// health probe.
func Handler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ServeWS(hub))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Signaling server is healthy."))
	})
	return mux
}
