package server

import "net/http"

// Routes builds the ServeMux with every application route.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	mux.HandleFunc("POST /register", s.HandleRegister)
	mux.HandleFunc("POST /token", s.HandleToken)
	mux.HandleFunc("GET /rooms", s.HandleListRooms)
	mux.HandleFunc("POST /rooms", s.HandleCreateRoom)
	mux.HandleFunc("POST /rooms/{room}/join", s.HandleJoinRoom)
	mux.HandleFunc("GET /ws/{room}", s.HandleWebSocket)
	return mux
}
