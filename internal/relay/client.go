package relay

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexuschat/relay/internal/auth"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up on it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// sendBuffer bounds how many undelivered payloads a slow connection
	// may queue before the broadcast path evicts it.
	sendBuffer = 256
)

// Client is one admitted connection: the transport, its resolved identity,
// and its bound room. The closed flag is guarded by the Registry's mutex.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity
	roomID   uint
	closed   bool
	limiter  *rateLimiter
	logger   *slog.Logger
}

func newClient(conn *websocket.Conn, identity auth.Identity, roomID uint, burst int, refill time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		identity: identity,
		roomID:   roomID,
		limiter:  newRateLimiter(burst, refill),
		logger:   logger,
	}
}

// writePump drains the send channel onto the transport and keeps the
// connection alive with pings. It exits when the send channel is closed by
// the registry or a write fails, closing the transport either way.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warn("write failed",
						"conn_id", c.id, "username", c.identity.Username, "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// setupRead applies the read limit, initial deadline, and pong handler.
func (c *Client) setupRead(maxMessageSize int64) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why a read loop ended, at a level matching how
// surprising the error is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded read limit", "conn_id", c.id, "username", c.identity.Username)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("connection closed", "conn_id", c.id, "username", c.identity.Username)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Info("connection dropped", "conn_id", c.id, "username", c.identity.Username)
	default:
		c.logger.Warn("read error", "conn_id", c.id, "username", c.identity.Username, "error", err)
	}
}

// isExpectedCloseError matches transport errors that routinely accompany a
// connection being torn down from either side.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
