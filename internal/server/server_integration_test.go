package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/nfrund/dmrelay/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupIntegrationTest boots a full in-memory relay behind an httptest server.
func setupIntegrationTest(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = 2 * time.Hour

	s, err := server.NewWithConfig(cfg, server.AppModules()...)
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoutes())

	ts := httptest.NewServer(s.E)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
		ts.Close()
	})
	return s, ts
}

type account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	client   *http.Client
	base     string
}

func register(t *testing.T, baseURL, username string) *account {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	resp, err := client.Post(baseURL+"/register", "application/json",
		strings.NewReader(`{"username":"`+username+`","password":"password-`+username+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	a := &account{client: client, base: baseURL}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(a))
	return a
}

func (a *account) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(a.base)
	require.NoError(t, err)

	header := http.Header{}
	for _, c := range a.client.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(a.base, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (a *account) get(t *testing.T, path string, out any) int {
	t.Helper()
	status, err := a.tryGet(path, out)
	require.NoError(t, err)
	return status
}

func (a *account) tryGet(path string, out any) (int, error) {
	resp, err := a.client.Get(a.base + path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(raw map[string]json.RawMessage) bool) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		if match(raw) {
			return raw
		}
	}
}

func rosterWith(n int) func(map[string]json.RawMessage) bool {
	return func(raw map[string]json.RawMessage) bool {
		online, ok := raw["online"]
		if !ok {
			return false
		}
		var entries []protocol.RosterEntry
		return json.Unmarshal(online, &entries) == nil && len(entries) == n
	}
}

func isMessage(raw map[string]json.RawMessage) bool {
	_, ok := raw["text"]
	return ok
}

func TestRelay_EndToEnd(t *testing.T) {
	_, ts := setupIntegrationTest(t)

	alice := register(t, ts.URL, "alice")
	bob := register(t, ts.URL, "bob")

	aliceWS := alice.dial(t)
	readUntil(t, aliceWS, rosterWith(1))
	bobWS := bob.dial(t)
	readUntil(t, aliceWS, rosterWith(2))
	readUntil(t, bobWS, rosterWith(2))

	require.NoError(t, aliceWS.WriteJSON(map[string]any{
		"message": map[string]string{"recipient": bob.ID, "text": "hello bob"},
	}))

	frame := readUntil(t, bobWS, isMessage)
	var delivered domain.Message
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &delivered))
	assert.NotEmpty(t, delivered.ID)
	assert.Equal(t, alice.ID, delivered.Sender)
	assert.Equal(t, bob.ID, delivered.Recipient)
	assert.Equal(t, "hello bob", delivered.Text)

	var history []domain.Message
	require.Equal(t, http.StatusOK, alice.get(t, "/messages/"+bob.ID, &history))
	require.Len(t, history, 1)
	assert.Equal(t, delivered.ID, history[0].ID)

	var online protocol.RosterFrame
	require.Equal(t, http.StatusOK, bob.get(t, "/online", &online))
	assert.Len(t, online.Online, 2)

	require.NoError(t, bobWS.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	readUntil(t, aliceWS, rosterWith(1))

	var people []map[string]any
	require.Eventually(t, func() bool {
		people = nil
		status, err := alice.tryGet("/people", &people)
		if err != nil || status != http.StatusOK || len(people) != 2 {
			return false
		}
		_, hasLastSeen := people[1]["lastSeen"]
		return people[1]["username"] == "bob" && hasLastSeen
	}, 3*time.Second, 20*time.Millisecond, "bob's last seen should be recorded when his only connection closes")
}

func TestRelay_HealthAndMetrics(t *testing.T) {
	_, ts := setupIntegrationTest(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestRelay_RejectsUnauthenticatedUpgrade(t *testing.T) {
	_, ts := setupIntegrationTest(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token=forged", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestRelay_ShutdownClosesConnectionsGoingAway(t *testing.T) {
	s, ts := setupIntegrationTest(t)
	alice := register(t, ts.URL, "carol")
	ws := alice.dial(t)
	readUntil(t, ws, rosterWith(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
