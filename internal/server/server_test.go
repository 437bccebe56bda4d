package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nexuschat/relay/internal/auth"
	"github.com/nexuschat/relay/internal/config"
	"github.com/nexuschat/relay/internal/protocol"
	"github.com/nexuschat/relay/internal/relay"
	"github.com/nexuschat/relay/internal/store"
)

// memBroker is an in-process Broker so tests exercise the full relay path
// without a Redis server.
type memBroker struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

type memSub struct {
	broker  *memBroker
	channel string
	out     chan []byte
	once    sync.Once
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]*memSub)}
}

func (b *memBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		sub.out <- payload
	}
	return nil
}

func (b *memBroker) Subscribe(_ context.Context, channel string) (relay.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSub{broker: b, channel: channel, out: make(chan []byte, 64)}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (s *memSub) Messages() <-chan []byte { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		subs := s.broker.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.broker.mu.Unlock()
		close(s.out)
	})
	return nil
}

type testEnv struct {
	ts       *httptest.Server
	store    *store.Store
	tokens   *auth.TokenManager
	registry *relay.Registry
	relay    *relay.Relay
	broker   *memBroker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db, nil, 50, nil)
	require.NoError(t, st.Migrate())

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	gate := auth.NewGate(tokens, Directory{Store: st})

	broker := newMemBroker()
	registry := relay.NewRegistry(nil)
	rly := relay.New(broker, registry, nil)
	t.Cleanup(rly.Close)

	handler := relay.NewHandler(gate, st, registry, rly, relay.HandlerConfig{
		BacklogSize:     50,
		MaxMessageSize:  4096,
		RateLimitBurst:  100,
		RateLimitRefill: time.Second,
	}, nil)

	cfg := config.Config{
		AllowedOrigins: []string{"*"},
		TokenTTL:       time.Hour,
		BacklogSize:    50,
		MaxMessageSize: 4096,
	}
	srv := New(cfg, nil, st, tokens, handler)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, tokens: tokens, registry: registry, relay: rly, broker: broker}
}

// waitSubscribed blocks until the room's subscriber loop is attached to the
// broker, so an immediately sent message cannot slip past the fan-out.
func (e *testEnv) waitSubscribed(t *testing.T, roomID uint) {
	t.Helper()
	channel := relay.ChannelName(roomID)
	waitFor(t, func() bool {
		e.broker.mu.Lock()
		defer e.broker.mu.Unlock()
		return len(e.broker.subs[channel]) == 1
	}, "subscriber loop never attached")
}

// seedMember creates a user and, when roomID is nonzero, joins them to it.
func (e *testEnv) seedMember(t *testing.T, username string, roomID uint) (store.User, string) {
	t.Helper()
	user, err := e.store.CreateUser(context.Background(), username, "irrelevant-hash")
	require.NoError(t, err)
	if roomID != 0 {
		require.NoError(t, e.store.JoinRoom(context.Background(), user.ID, roomID))
	}
	token, err := e.tokens.Issue(user.ID, user.Username)
	require.NoError(t, err)
	return user, token
}

func (e *testEnv) dial(t *testing.T, roomID uint, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s/ws/%d?token=%s",
		"ws"+strings.TrimPrefix(e.ts.URL, "http"), roomID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, ok := protocol.Decode(raw)
	require.True(t, ok, "frame was not a valid envelope: %s", raw)
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	payload, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Scenario A: a member's chat message comes back to the sender with the
// assigned id and author, via the relay round-trip.
func TestChatEchoThroughRelay(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "room-one", false)
	require.NoError(t, err)
	_, token := env.seedMember(t, "ana", room.ID)

	conn := env.dial(t, room.ID, token)
	env.waitSubscribed(t, room.ID)
	sendEnvelope(t, conn, protocol.Envelope{Type: protocol.KindChat, Content: "hi"})

	got := readEnvelope(t, conn)
	assert.Equal(t, protocol.KindChat, got.Type)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "ana", got.Username)
	assert.NotZero(t, got.MessageID)
}

// Scenario B: a non-member is closed immediately with a distinguishing
// reason and never registered.
func TestNonMemberRejectedUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "members-only", true)
	require.NoError(t, err)
	_, token := env.seedMember(t, "outsider", 0)

	conn := env.dial(t, room.ID, token)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthorized", closeErr.Text)
	assert.Equal(t, 0, env.registry.RoomCount(room.ID))
}

func TestBadTokenRejectedUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "room", false)
	require.NoError(t, err)

	conn := env.dial(t, room.ID, "garbage")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthenticated", closeErr.Text)
}

// Scenario C: a second connection in the room receives the message with no
// direct-reply path anywhere in the relay.
func TestCrossConnectionDelivery(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "room-two", false)
	require.NoError(t, err)
	_, tokenA := env.seedMember(t, "ana", room.ID)
	_, tokenC := env.seedMember(t, "cat", room.ID)

	connA := env.dial(t, room.ID, tokenA)
	connC := env.dial(t, room.ID, tokenC)
	waitFor(t, func() bool { return env.registry.RoomCount(room.ID) == 2 }, "both connections registered")
	env.waitSubscribed(t, room.ID)

	sendEnvelope(t, connA, protocol.Envelope{Type: protocol.KindChat, Content: "hello c"})

	fromA := readEnvelope(t, connA)
	fromC := readEnvelope(t, connC)
	assert.Equal(t, fromA, fromC, "all members receive the identical envelope")
	assert.Equal(t, "hello c", fromC.Content)
	assert.Equal(t, "ana", fromC.Username)
}

func TestBacklogReplayOnJoin(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "history", false)
	require.NoError(t, err)
	author, _ := env.seedMember(t, "ana", room.ID)

	for i := 0; i < 3; i++ {
		_, err := env.store.Append(context.Background(), author.ID, room.ID, author.Username, fmt.Sprintf("old-%d", i), false)
		require.NoError(t, err)
	}

	_, token := env.seedMember(t, "late", room.ID)
	conn := env.dial(t, room.ID, token)

	for i := 0; i < 3; i++ {
		got := readEnvelope(t, conn)
		assert.Equal(t, protocol.KindChat, got.Type)
		assert.Equal(t, fmt.Sprintf("old-%d", i), got.Content)
		assert.Equal(t, "ana", got.Username)
	}
}

func TestDisconnectReleasesSubscription(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "ephemeral", false)
	require.NoError(t, err)
	_, token := env.seedMember(t, "ana", room.ID)

	conn := env.dial(t, room.ID, token)
	waitFor(t, func() bool { return env.relay.SubscriptionRefs(room.ID) == 1 }, "subscription acquired")

	require.NoError(t, conn.Close())
	waitFor(t, func() bool {
		return env.registry.RoomCount(room.ID) == 0 && env.relay.SubscriptionRefs(room.ID) == 0
	}, "disconnect releases registry entry and subscription")
}

func TestTypingNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.store.CreateRoom(context.Background(), "typing", false)
	require.NoError(t, err)
	_, token := env.seedMember(t, "ana", room.ID)

	conn := env.dial(t, room.ID, token)
	env.waitSubscribed(t, room.ID)
	sendEnvelope(t, conn, protocol.Envelope{Type: protocol.KindTyping})

	got := readEnvelope(t, conn)
	assert.Equal(t, protocol.KindTyping, got.Type)
	assert.Equal(t, "ana", got.Username)

	entries, err := env.store.RecentBacklog(context.Background(), room.ID, 50)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func postJSON(t *testing.T, client *http.Client, url string, body any, token string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAccountAndRoomFlow(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	resp := postJSON(t, client, env.ts.URL+"/register",
		map[string]string{"username": "ana", "password": "hunter2"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, client, env.ts.URL+"/token",
		map[string]string{"username": "ana", "password": "hunter2"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	_ = resp.Body.Close()
	assert.Equal(t, "bearer", tok.TokenType)
	require.NotEmpty(t, tok.AccessToken)

	resp = postJSON(t, client, env.ts.URL+"/rooms",
		map[string]any{"name": "general", "is_private": false}, tok.AccessToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room store.ChatRoom
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	_ = resp.Body.Close()

	// The creator is auto-joined and can connect straight away.
	conn := env.dial(t, room.ID, tok.AccessToken)
	env.waitSubscribed(t, room.ID)
	sendEnvelope(t, conn, protocol.Envelope{Type: protocol.KindChat, Content: "first"})
	got := readEnvelope(t, conn)
	assert.Equal(t, "first", got.Content)
}

func TestTokenRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	resp := postJSON(t, client, env.ts.URL+"/register",
		map[string]string{"username": "ana", "password": "hunter2"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, client, env.ts.URL+"/token",
		map[string]string{"username": "ana", "password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.ts.Client().Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
