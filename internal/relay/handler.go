package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexuschat/relay/internal/auth"
	"github.com/nexuschat/relay/internal/protocol"
	"github.com/nexuschat/relay/internal/store"
)

// MessageStore is the persistence surface the protocol handler needs. The
// store package satisfies it.
type MessageStore interface {
	Append(ctx context.Context, userID, roomID uint, username, content string, isAttachment bool) (store.BacklogMessage, error)
	RecentBacklog(ctx context.Context, roomID uint, n int) ([]store.BacklogMessage, error)
	UpsertReaction(ctx context.Context, userID, messageID uint, reactionType string) error
	UpsertReadReceipt(ctx context.Context, userID, messageID uint) error
}

// Admitter verifies a credential against a room. The auth package's Gate
// satisfies it.
type Admitter interface {
	Admit(ctx context.Context, token string, roomID uint) (auth.Identity, error)
}

// HandlerConfig carries the per-connection tunables.
type HandlerConfig struct {
	BacklogSize     int
	MaxMessageSize  int64
	RateLimitBurst  int
	RateLimitRefill time.Duration
}

// Handler runs the per-connection protocol state machine: admission,
// registration, backlog replay, the dispatch loop, and teardown.
type Handler struct {
	gate     Admitter
	store    MessageStore
	registry *Registry
	relay    *Relay
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler wires a Handler over its collaborators.
func NewHandler(gate Admitter, messages MessageStore, registry *Registry, relay *Relay, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = 50
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:     gate,
		store:    messages,
		registry: registry,
		relay:    relay,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleConnection owns an upgraded connection from admission to teardown.
// It blocks until the connection ends and releases everything the
// connection acquired before returning.
func (h *Handler) HandleConnection(ctx context.Context, conn *websocket.Conn, token string, roomID uint) {
	identity, err := h.gate.Admit(ctx, token, roomID)
	if err != nil {
		h.reject(conn, err)
		return
	}

	client := newClient(conn, identity, roomID, h.cfg.RateLimitBurst, h.cfg.RateLimitRefill, h.logger)

	h.registry.Register(client)
	h.relay.EnsureSubscription(roomID)
	defer func() {
		h.registry.Unregister(client)
		h.relay.ReleaseSubscription(roomID)
	}()

	go client.writePump()

	h.replayBacklog(ctx, client)
	h.readLoop(ctx, client)
}

// reject closes an unadmitted connection with a reason the client can
// distinguish. Nothing was registered, so there is nothing to undo.
func (h *Handler) reject(conn *websocket.Conn, admitErr error) {
	reason := closeReason(admitErr)
	h.logger.Info("connection rejected", "reason", reason, "error", admitErr)

	frame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, frame)
	_ = conn.Close()
}

// closeReason maps an admission failure to the close reason sent to the
// client. An infrastructure failure during admission is not a credential
// problem and must not be reported as one.
func closeReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal error"
	}
}

// replayBacklog seeds the new connection with the room's recent messages,
// oldest first. Backlog failure degrades the join, it does not abort it.
func (h *Handler) replayBacklog(ctx context.Context, c *Client) {
	entries, err := h.store.RecentBacklog(ctx, c.roomID, h.cfg.BacklogSize)
	if err != nil {
		h.logger.Warn("backlog replay failed", "room_id", c.roomID, "error", err)
		return
	}

	for _, entry := range entries {
		payload, err := protocol.Encode(protocol.Envelope{
			Type:         protocol.KindChat,
			Content:      entry.Content,
			IsAttachment: entry.IsAttachment,
			MessageID:    entry.ID,
			Username:     entry.Username,
		})
		if err != nil {
			continue
		}
		if !h.registry.Send(c, payload) {
			return
		}
	}
}

// readLoop is the single reader for the connection. One envelope is
// handled at a time; there are never concurrent reads on one connection.
func (h *Handler) readLoop(ctx context.Context, c *Client) {
	c.setupRead(h.cfg.MaxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			h.logger.Warn("rate limit exceeded, discarding envelope",
				"username", c.identity.Username, "room_id", c.roomID)
			continue
		}

		env, ok := protocol.Decode(raw)
		if !ok {
			// Malformed envelopes are dropped without an error event.
			h.logger.Debug("dropping malformed envelope", "username", c.identity.Username)
			continue
		}

		h.dispatch(ctx, c, env)
	}
}

// dispatch applies one client envelope according to its kind.
func (h *Handler) dispatch(ctx context.Context, c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindChat:
		h.handleChat(ctx, c, env)
	case protocol.KindTyping:
		h.publish(ctx, c, protocol.Envelope{
			Type:     protocol.KindTyping,
			Username: c.identity.Username,
		})
	case protocol.KindReaction:
		h.handleReaction(ctx, c, env)
	case protocol.KindReadReceipt:
		h.handleReadReceipt(ctx, c, env)
	default:
		// Unknown kinds are ignored by contract.
		h.logger.Debug("ignoring unknown envelope kind",
			"kind", env.Type, "username", c.identity.Username)
	}
}

// handleChat persists the message and, only on success, publishes the full
// envelope through the relay. The sender hears its own message via the
// same relay round-trip as everyone else.
func (h *Handler) handleChat(ctx context.Context, c *Client, env protocol.Envelope) {
	if env.Content == "" {
		return
	}

	entry, err := h.store.Append(ctx, c.identity.UserID, c.roomID, c.identity.Username, env.Content, env.IsAttachment)
	if err != nil {
		h.logger.Error("message append failed",
			"room_id", c.roomID, "username", c.identity.Username, "error", err)
		h.sendError(c, "message could not be saved")
		return
	}

	h.publish(ctx, c, protocol.Envelope{
		Type:         protocol.KindChat,
		Content:      entry.Content,
		IsAttachment: entry.IsAttachment,
		MessageID:    entry.ID,
		Username:     entry.Username,
	})
}

func (h *Handler) handleReaction(ctx context.Context, c *Client, env protocol.Envelope) {
	if env.MessageID == 0 || env.ReactionType == "" {
		return
	}

	if err := h.store.UpsertReaction(ctx, c.identity.UserID, env.MessageID, env.ReactionType); err != nil {
		h.logger.Error("reaction upsert failed",
			"message_id", env.MessageID, "username", c.identity.Username, "error", err)
		h.sendError(c, "reaction could not be saved")
		return
	}

	h.publish(ctx, c, protocol.Envelope{
		Type:         protocol.KindReaction,
		MessageID:    env.MessageID,
		ReactionType: env.ReactionType,
		Username:     c.identity.Username,
	})
}

// handleReadReceipt records the receipt without publishing it room-wide.
func (h *Handler) handleReadReceipt(ctx context.Context, c *Client, env protocol.Envelope) {
	if env.MessageID == 0 {
		return
	}

	if err := h.store.UpsertReadReceipt(ctx, c.identity.UserID, env.MessageID); err != nil {
		h.logger.Error("read receipt upsert failed",
			"message_id", env.MessageID, "username", c.identity.Username, "error", err)
		h.sendError(c, "read receipt could not be saved")
	}
}

// publish hands an envelope to the relay. A publish failure degrades live
// fan-out for this envelope only; the connection stays active.
func (h *Handler) publish(ctx context.Context, c *Client, env protocol.Envelope) {
	if err := h.relay.Publish(ctx, c.roomID, env); err != nil {
		h.logger.Error("relay publish failed",
			"room_id", c.roomID, "kind", env.Type, "error", err)
	}
}

// sendError delivers an error event to the originating connection only.
func (h *Handler) sendError(c *Client, msg string) {
	payload, err := protocol.Encode(protocol.ErrorEnvelope(msg))
	if err != nil {
		return
	}
	h.registry.Send(c, payload)
}
