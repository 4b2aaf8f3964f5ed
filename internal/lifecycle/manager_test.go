package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/events"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/pubsub"
	"github.com/nfrund/dmrelay/internal/router"
	"github.com/nfrund/dmrelay/internal/storage/memory"
	"github.com/nfrund/dmrelay/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Identity{ID: "u-alice", DisplayName: "alice"}
	bob   = domain.Identity{ID: "u-bob", DisplayName: "bob"}
)

type fakeVerifier map[string]domain.Identity

func (f fakeVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return domain.Identity{}, domain.ErrUnauthenticated
}

type downStore struct{}

func (downStore) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	return domain.Message{}, errors.New("dial tcp: connection refused")
}

func (downStore) QueryBetween(ctx context.Context, a, b string) ([]domain.Message, error) {
	return nil, errors.New("dial tcp: connection refused")
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []pubsub.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg pubsub.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Topic)
	}
	return out
}

type harness struct {
	clock    *clock.Mock
	registry *presence.Registry
	manager  *Manager
	store    domain.MessageStore
	pub      *recordingPublisher
}

func newHarness(t *testing.T, store domain.MessageStore) *harness {
	t.Helper()
	if store == nil {
		store = memory.NewMessageStore()
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	reg := presence.NewRegistry()
	bcast := presence.NewBroadcaster(reg)
	reg.OnChange(bcast.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bcast.Run(ctx)

	pub := &recordingPublisher{}
	verifier := fakeVerifier{"tok-alice": alice, "tok-bob": bob}
	r := router.New(store, reg, router.WithClock(mock))
	mgr := New(verifier, reg, r, WithClock(mock), WithPublisher(pub))

	return &harness{clock: mock, registry: reg, manager: mgr, store: store, pub: pub}
}

func (h *harness) open(t *testing.T, token string) (*connection.Connection, *testutils.FakeTransport) {
	t.Helper()
	transport := testutils.NewFakeTransport()
	conn, err := h.manager.OnOpen(context.Background(), transport, token)
	require.NoError(t, err)
	return conn, transport
}

func lastRosterIDs(tr *testutils.FakeTransport) []string {
	rosters := tr.Rosters()
	if len(rosters) == 0 {
		return nil
	}
	var ids []string
	for _, e := range rosters[len(rosters)-1].Online {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestOnOpen_AuthenticatesAndBroadcasts(t *testing.T) {
	h := newHarness(t, nil)

	conn, tr := h.open(t, "tok-alice")
	assert.Equal(t, connection.StateAuthenticated, conn.State())
	assert.Equal(t, alice, conn.Identity())
	assert.True(t, h.registry.IsOnline(alice.ID))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{alice.ID}, lastRosterIDs(tr))
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.pub.topics(), events.ConnectionOpened.Name())
}

func TestOnOpen_RejectsInvalidCredential(t *testing.T) {
	h := newHarness(t, nil)
	_, observer := h.open(t, "tok-bob")
	require.Eventually(t, func() bool { return len(observer.Rosters()) == 1 }, time.Second, 5*time.Millisecond)

	tr := testutils.NewFakeTransport()
	conn, err := h.manager.OnOpen(context.Background(), tr, "forged")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Nil(t, conn)

	closed, status, _ := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusPolicyViolation, status)

	conns, users := h.registry.Counts()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, h.manager.Count())

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, observer.Rosters(), 1, "a rejected connection must not trigger a broadcast")
}

func TestOnMessage_LateAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conn, tr := h.open(t, "")
	assert.Equal(t, connection.StateConnecting, conn.State())
	assert.False(t, h.registry.IsOnline(alice.ID))

	err := h.manager.OnMessage(ctx, conn, []byte(`{"message":{"recipient":"u-bob","text":"too early"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	history, err := h.store.QueryBetween(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, h.manager.OnMessage(ctx, conn, []byte(`{"auth":{"token":"tok-alice"}}`)))
	assert.Equal(t, connection.StateAuthenticated, conn.State())
	assert.True(t, h.registry.IsOnline(alice.ID))
	require.Eventually(t, func() bool { return len(tr.Rosters()) == 1 }, time.Second, 5*time.Millisecond)

	err = h.manager.OnMessage(ctx, conn, []byte(`{"auth":{"token":"tok-alice"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOnMessage_LateAuthenticationFailureCloses(t *testing.T) {
	h := newHarness(t, nil)

	conn, tr := h.open(t, "")
	err := h.manager.OnMessage(context.Background(), conn, []byte(`{"auth":{"token":"forged"}}`))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, connection.StateClosed, conn.State())

	closed, status, _ := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusPolicyViolation, status)
	assert.Zero(t, h.manager.Count())
}

func TestOnMessage_MalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conn, tr := h.open(t, "tok-alice")

	for _, raw := range []string{`{}`, `not json`, `{"message":{"recipient":"u-bob"}}`} {
		err := h.manager.OnMessage(ctx, conn, []byte(raw))
		assert.ErrorIs(t, err, domain.ErrMalformedInput, raw)
	}

	assert.Equal(t, connection.StateAuthenticated, conn.State())
	closed, _, _ := tr.Closed()
	assert.False(t, closed)
	history, err := h.store.QueryBetween(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOnMessage_RoutesToRecipient(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, _ := h.open(t, "tok-alice")
	_, bt := h.open(t, "tok-bob")

	require.NoError(t, h.manager.OnMessage(ctx, a, []byte(`{"message":{"recipient":"u-bob","text":"hello"}}`)))

	require.Eventually(t, func() bool { return len(bt.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	got := bt.Messages()[0]
	assert.Equal(t, alice.ID, got.Sender)
	assert.Equal(t, bob.ID, got.Recipient)
	assert.Equal(t, "hello", got.Text)
}

func TestOnMessage_StoreUnavailableReportsToSender(t *testing.T) {
	h := newHarness(t, downStore{})
	a, at := h.open(t, "tok-alice")
	_, bt := h.open(t, "tok-bob")

	err := h.manager.OnMessage(context.Background(), a, []byte(`{"message":{"recipient":"u-bob","text":"hello"}}`))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	require.Eventually(t, func() bool { return len(at.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "store_unavailable", at.Errors()[0].Code)
	assert.Equal(t, connection.StateAuthenticated, a.State())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bt.Messages())
}

func TestOnClose_IsIdempotentAndAnnounces(t *testing.T) {
	h := newHarness(t, nil)
	a1, t1 := h.open(t, "tok-alice")
	h.open(t, "tok-alice")

	assert.True(t, h.manager.OnClose(a1, connection.StatusNormal, ReasonPeerClosed))
	assert.False(t, h.manager.OnClose(a1, connection.StatusNormal, ReasonPeerClosed))

	assert.Equal(t, connection.StateClosed, a1.State())
	closed, status, reason := t1.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusNormal, status)
	assert.Equal(t, ReasonPeerClosed, reason)

	assert.True(t, h.registry.IsOnline(alice.ID), "second connection keeps alice online")
	assert.Len(t, h.registry.ConnectionsFor(alice.ID), 1)

	var closes int
	for _, topic := range h.pub.topics() {
		if topic == events.ConnectionClosed.Name() {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestSweep_HeartbeatTimeoutClosesAndBroadcastsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	observer, ot := h.open(t, "tok-alice")
	dead, dt := h.open(t, "tok-bob")
	dt.SetPingErr(errors.New("no pong"))

	require.Eventually(t, func() bool { return len(lastRosterIDs(ot)) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	before := len(ot.Rosters())

	h.clock.Add(80 * time.Second)
	observer.Touch(h.clock.Now())

	assert.Equal(t, 1, h.manager.Sweep(ctx))
	assert.Equal(t, connection.StateClosed, dead.State())
	assert.Equal(t, connection.StateAuthenticated, observer.State())
	assert.False(t, h.registry.IsOnline(bob.ID))

	closed, status, reason := dt.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusGoingAway, status)
	assert.Equal(t, ReasonHeartbeatTimeout, reason)

	require.Eventually(t, func() bool { return len(ot.Rosters()) == before+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, ot.Rosters(), before+1)
	assert.Equal(t, []string{alice.ID}, lastRosterIDs(ot))
}

func TestSweep_PingKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conn, tr := h.open(t, "tok-alice")

	for i := 0; i < 5; i++ {
		h.clock.Add(30 * time.Second)
		pings := tr.Pings()
		assert.Zero(t, h.manager.Sweep(ctx))
		require.Eventually(t, func() bool { return tr.Pings() == pings+1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return conn.LastSeen().Equal(h.clock.Now()) }, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, connection.StateAuthenticated, conn.State())
}

func TestSweep_ClosesUnauthenticatedAfterTimeout(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.open(t, "")

	h.clock.Add(80 * time.Second)
	conn.Touch(h.clock.Now())

	assert.Equal(t, 1, h.manager.Sweep(context.Background()))
	closed, status, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusPolicyViolation, status)
	assert.Equal(t, ReasonAuthTimeout, reason)
}

func TestSweep_SilentUnauthenticatedIsAuthTimeout(t *testing.T) {
	h := newHarness(t, nil)
	reg := prometheus.NewRegistry()
	relay, err := metrics.New(reg)
	require.NoError(t, err)
	mgr := New(fakeVerifier{}, h.registry, router.New(h.store, h.registry, router.WithClock(h.clock)),
		WithClock(h.clock), WithMetrics(relay))

	tr := testutils.NewFakeTransport()
	silent, err := mgr.OnOpen(context.Background(), tr, "")
	require.NoError(t, err)

	// Neither authenticated nor touched: both timeouts have elapsed.
	h.clock.Add(80 * time.Second)

	assert.Equal(t, 1, mgr.Sweep(context.Background()))
	assert.Equal(t, connection.StateClosed, silent.State())
	closed, status, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, connection.StatusPolicyViolation, status)
	assert.Equal(t, ReasonAuthTimeout, reason)

	expected := `
# HELP relay_heartbeat_timeouts_total Connections closed for failing the liveness probe.
# TYPE relay_heartbeat_timeouts_total counter
relay_heartbeat_timeouts_total 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "relay_heartbeat_timeouts_total"))
}

func TestRun_SweepsOnTicker(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, tr := h.open(t, "tok-bob")
	tr.SetPingErr(errors.New("no pong"))
	go h.manager.Run(ctx)

	require.Eventually(t, func() bool {
		h.clock.Add(30 * time.Second)
		return conn.State() == connection.StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.registry.IsOnline(bob.ID))
}

func TestWriteFailureClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	conn, tr := h.open(t, "tok-alice")
	require.Eventually(t, func() bool { return len(tr.Rosters()) == 1 }, time.Second, 5*time.Millisecond)

	tr.SetWriteErr(errors.New("broken pipe"))
	require.NoError(t, conn.Send([]byte(`{"online":[]}`)))

	require.Eventually(t, func() bool { return conn.State() == connection.StateClosed }, time.Second, 5*time.Millisecond)
	assert.False(t, h.registry.IsOnline(alice.ID))
	_, status, reason := tr.Closed()
	assert.Equal(t, connection.StatusInternalError, status)
	assert.Equal(t, ReasonWriteFailed, reason)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	_, t1 := h.open(t, "tok-alice")
	_, t2 := h.open(t, "tok-bob")
	_, t3 := h.open(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	for _, tr := range []*testutils.FakeTransport{t1, t2, t3} {
		closed, status, _ := tr.Closed()
		assert.True(t, closed)
		assert.Equal(t, connection.StatusGoingAway, status)
	}
	conns, users := h.registry.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, users)
	assert.Zero(t, h.manager.Count())
}
