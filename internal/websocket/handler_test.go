package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/lifecycle"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/nfrund/dmrelay/internal/router"
	"github.com/nfrund/dmrelay/internal/storage/memory"
	ws "github.com/nfrund/dmrelay/internal/websocket"
)

type stubVerifier map[string]domain.Identity

func (s stubVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return domain.Identity{}, domain.ErrUnauthenticated
}

type testFixture struct {
	server   *httptest.Server
	registry *presence.Registry
	store    *memory.MessageStore
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	reg := presence.NewRegistry()
	bcast := presence.NewBroadcaster(reg)
	reg.OnChange(bcast.Notify)
	ctx, cancel := context.WithCancel(context.Background())
	go bcast.Run(ctx)

	store := memory.NewMessageStore()
	verifier := stubVerifier{
		"tok-alice": {ID: "u-alice", DisplayName: "alice"},
		"tok-bob":   {ID: "u-bob", DisplayName: "bob"},
	}
	mgr := lifecycle.New(verifier, reg, router.New(store, reg))

	e := echo.New()
	e.GET("/ws", ws.NewHandler(mgr, "token", ws.WithMaxFrameBytes(1024)).Serve)
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = mgr.Shutdown(shutdownCtx)
		server.Close()
		cancel()
	})
	return &testFixture{server: server, registry: reg, store: store}
}

func dial(t *testing.T, server *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.Dial(context.Background(), wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test complete")
	})
	return conn
}

// readUntil reads frames until match accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]json.RawMessage) bool) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func rosterWith(n int) func(map[string]json.RawMessage) bool {
	return func(frame map[string]json.RawMessage) bool {
		raw, ok := frame["online"]
		if !ok {
			return false
		}
		var online []protocol.RosterEntry
		return json.Unmarshal(raw, &online) == nil && len(online) == n
	}
}

func isMessage(frame map[string]json.RawMessage) bool {
	_, ok := frame["id"]
	return ok
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func TestHandler_DirectMessageBetweenClients(t *testing.T) {
	fx := setupTestFixture(t)

	alice := dial(t, fx.server, "", http.Header{"Cookie": []string{"token=tok-alice"}})
	bob := dial(t, fx.server, "?token=tok-bob", nil)

	readUntil(t, alice, rosterWith(2))
	readUntil(t, bob, rosterWith(2))

	write(t, alice, `{"message":{"recipient":"u-bob","text":"hi bob"}}`)

	frame := readUntil(t, bob, isMessage)
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "u-alice", msg.Sender)
	assert.Equal(t, "u-bob", msg.Recipient)
	assert.Equal(t, "hi bob", msg.Text)
	assert.False(t, msg.CreatedAt.IsZero())

	history, err := fx.store.QueryBetween(context.Background(), "u-alice", "u-bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestHandler_BearerAndLateAuth(t *testing.T) {
	fx := setupTestFixture(t)

	bob := dial(t, fx.server, "", http.Header{"Authorization": []string{"Bearer tok-bob"}})
	readUntil(t, bob, rosterWith(1))

	late := dial(t, fx.server, "", nil)
	write(t, late, `{"auth":{"token":"tok-alice"}}`)
	readUntil(t, late, rosterWith(2))
	readUntil(t, bob, rosterWith(2))
	assert.True(t, fx.registry.IsOnline("u-alice"))
}

func TestHandler_InvalidTokenClosesWithPolicyViolation(t *testing.T) {
	fx := setupTestFixture(t)

	conn := dial(t, fx.server, "?token=forged", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	conns, _ := fx.registry.Counts()
	assert.Zero(t, conns)
}

func TestHandler_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	fx := setupTestFixture(t)

	alice := dial(t, fx.server, "?token=tok-alice", nil)
	readUntil(t, alice, rosterWith(1))

	write(t, alice, `{}`)
	write(t, alice, `{"message":{"recipient":"u-alice","text":"still here"}}`)

	frame := readUntil(t, alice, isMessage)
	assert.JSONEq(t, `"still here"`, string(frame["text"]))
}

func TestHandler_PeerCloseUpdatesRoster(t *testing.T) {
	fx := setupTestFixture(t)

	alice := dial(t, fx.server, "?token=tok-alice", nil)
	bob := dial(t, fx.server, "?token=tok-bob", nil)
	readUntil(t, alice, rosterWith(2))

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))

	readUntil(t, alice, rosterWith(1))
	require.Eventually(t, func() bool { return !fx.registry.IsOnline("u-bob") }, time.Second, 10*time.Millisecond)
}

func TestHandler_OversizedFrameClosesConnection(t *testing.T) {
	fx := setupTestFixture(t)

	alice := dial(t, fx.server, "?token=tok-alice", nil)
	readUntil(t, alice, rosterWith(1))

	write(t, alice, `{"message":{"recipient":"u-bob","text":"`+strings.Repeat("x", 4096)+`"}}`)

	require.Eventually(t, func() bool { return !fx.registry.IsOnline("u-alice") }, 2*time.Second, 10*time.Millisecond)
}
