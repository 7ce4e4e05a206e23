package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// statsPushInterval is how often the stream recomputes and pushes stats.
const statsPushInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens already gate the endpoint and stats carry no per-user data.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatsStream upgrades to a websocket and pushes utilization
// snapshots until the client goes away. The status dashboard uses this
// instead of polling /api/stats.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	// Drain control frames so pong and close handling keep working.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		stats, err := s.manager.Stats(r.Context())
		if err != nil {
			s.logger.Error(r.Context(), "Failed to compute stats for stream", map[string]any{"error": err})
			return
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(stats); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
		}
	}
}
