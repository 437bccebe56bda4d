package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexuschat/relay/internal/auth"
	"github.com/nexuschat/relay/internal/config"
	"github.com/nexuschat/relay/internal/relay"
	"github.com/nexuschat/relay/internal/store"
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	tokens  *auth.TokenManager
	hasher  *auth.PasswordHasher
	handler *relay.Handler

	upgrader        websocket.Upgrader
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
}

// New wires a Server. The relay handler owns everything past the upgrade;
// the Server only parses the request and hands the connection over.
func New(cfg config.Config, logger *slog.Logger, st *store.Store, tokens *auth.TokenManager, handler *relay.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		tokens:  tokens,
		hasher:  auth.NewPasswordHasher(),
		handler: handler,
	}
	s.allowedOrigins, s.allowAllOrigins = normalizeOrigins(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Directory adapts the store to the auth gate's lookup interface.
type Directory struct {
	Store *store.Store
}

// UserByUsername resolves a username to the gate's account view.
func (d Directory) UserByUsername(ctx context.Context, username string) (auth.DirectoryUser, error) {
	user, err := d.Store.UserByUsername(ctx, username)
	if err != nil {
		return auth.DirectoryUser{}, err
	}
	return auth.DirectoryUser{ID: user.ID, Username: user.Username}, nil
}

// IsMember reports room membership.
func (d Directory) IsMember(ctx context.Context, userID, roomID uint) (bool, error) {
	return d.Store.IsMember(ctx, userID, roomID)
}

// CreateHTTPServer builds the http.Server with production timeouts. The
// timeouts only apply up to the WebSocket hijack; live connections are
// governed by the relay's own deadlines.
func CreateHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Shutdown gracefully stops an http.Server within the timeout.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
