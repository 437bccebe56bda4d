package server

import (
	"net/http"
)

// HandleWebSocket upgrades GET /ws/{room} and hands the connection to the
// relay's protocol handler, which blocks here until the connection ends.
// The bearer credential rides in the "token" query parameter because
// browser WebSocket clients cannot set an Authorization header.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.handler.HandleConnection(r.Context(), conn, token, roomID)
}
