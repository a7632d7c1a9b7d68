package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowedOrigin
	},
}

// handleEvents upgrades the connection and forwards bus events as JSON
// until the client goes away. Slow clients miss events rather than
// stalling the agent (the bus drops on full buffers).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stream := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(stream)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// We never expect client messages, but reading is how gorilla
	// surfaces a closed connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-done:
			s.logger.Debug("event stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
