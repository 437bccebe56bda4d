package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/nexuschat/relay/internal/auth"
	"github.com/nexuschat/relay/internal/store"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type createRoomRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// identityFromRequest authenticates a plain HTTP request. It mirrors the
// gate's credential step without the room membership check.
func (s *Server) identityFromRequest(r *http.Request) (auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	user, err := s.store.UserByUsername(r.Context(), claims.Subject)
	if err != nil {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{UserID: user.ID, Username: user.Username}, nil
}

// HandleRegister creates a new account (POST /register).
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not hash password")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// HandleToken exchanges credentials for an access token (POST /token).
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil || !s.hasher.Verify(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// HandleListRooms returns every room (GET /rooms).
func (s *Server) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identityFromRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// HandleCreateRoom creates a room and joins the creator (POST /rooms).
func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "room name is required")
		return
	}

	room, err := s.store.CreateRoom(r.Context(), req.Name, req.IsPrivate)
	if err != nil {
		writeError(w, http.StatusConflict, "room name already taken")
		return
	}
	if err := s.store.JoinRoom(r.Context(), identity.UserID, room.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not join room")
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

// HandleJoinRoom adds the caller to a room (POST /rooms/{room}/join).
func (s *Server) HandleJoinRoom(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	roomID, err := roomIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	room, err := s.store.RoomByID(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not look up room")
		return
	}

	if err := s.store.JoinRoom(r.Context(), identity.UserID, room.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not join room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": room.ID, "joined": true})
}

// HandleHealth is the liveness probe (GET /healthz).
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func roomIDFromPath(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(r.PathValue("room"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid room id")
	}
	return uint(id), nil
}
