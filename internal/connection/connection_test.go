package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = domain.Identity{ID: "u-alice", DisplayName: "alice"}

func TestConnection_StateMachine(t *testing.T) {
	c := connection.New(testutils.NewFakeTransport())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, connection.StateConnecting, c.State())
	assert.True(t, c.Identity().IsZero())

	require.NoError(t, c.Authenticate(alice))
	assert.Equal(t, connection.StateAuthenticated, c.State())
	assert.Equal(t, alice, c.Identity())

	// A second authentication is a contract violation.
	err := c.Authenticate(alice)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	prev, ok := c.BeginClose()
	assert.True(t, ok)
	assert.Equal(t, connection.StateAuthenticated, prev)
	assert.Equal(t, connection.StateClosing, c.State())

	_, ok = c.BeginClose()
	assert.False(t, ok, "only the first caller owns teardown")

	c.MarkClosed()
	c.MarkClosed()
	assert.Equal(t, connection.StateClosed, c.State())
}

func TestConnection_AuthenticateRejectsEmptyIdentity(t *testing.T) {
	c := connection.New(testutils.NewFakeTransport())
	assert.ErrorIs(t, c.Authenticate(domain.Identity{}), domain.ErrUnauthenticated)
	assert.Equal(t, connection.StateConnecting, c.State())
}

func TestConnection_SendAfterCloseIsDeliveryFailure(t *testing.T) {
	c := connection.New(testutils.NewFakeTransport())
	require.NoError(t, c.Authenticate(alice))
	c.BeginClose()

	err := c.Send([]byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)

	c.MarkClosed()
	assert.ErrorIs(t, c.Send([]byte(`{}`)), domain.ErrDeliveryFailure)
}

func TestConnection_SendQueueFull(t *testing.T) {
	c := connection.New(testutils.NewFakeTransport(), connection.WithSendBuffer(2))
	require.NoError(t, c.Send([]byte("1")))
	require.NoError(t, c.Send([]byte("2")))
	assert.ErrorIs(t, c.Send([]byte("3")), domain.ErrDeliveryFailure)
	assert.Equal(t, 2, c.Queued())
}

func TestConnection_WritePumpDrainsInOrder(t *testing.T) {
	transport := testutils.NewFakeTransport()
	c := connection.New(transport)
	require.NoError(t, c.Authenticate(alice))

	done := make(chan error, 1)
	go func() { done <- c.WritePump(context.Background()) }()

	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))

	require.Eventually(t, func() bool { return len(transport.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, transport.Frames())

	c.BeginClose()
	c.MarkClosed()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop after close")
	}
}

func TestConnection_WritePumpStopsOnWriteError(t *testing.T) {
	transport := testutils.NewFakeTransport()
	transport.SetWriteErr(errors.New("broken pipe"))
	c := connection.New(transport)

	done := make(chan error, 1)
	go func() { done <- c.WritePump(context.Background()) }()
	require.NoError(t, c.Send([]byte("x")))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "broken pipe")
	case <-time.After(time.Second):
		t.Fatal("write pump did not report the write error")
	}
}

func TestConnection_PingTouches(t *testing.T) {
	transport := testutils.NewFakeTransport()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := connection.New(transport, connection.WithOpenedAt(start))
	assert.True(t, c.LastSeen().Equal(start))

	later := start.Add(time.Minute)
	require.NoError(t, c.Ping(context.Background(), func() time.Time { return later }))
	assert.True(t, c.LastSeen().Equal(later))

	transport.SetPingErr(errors.New("timeout"))
	assert.Error(t, c.Ping(context.Background(), func() time.Time { return later.Add(time.Hour) }))
	assert.True(t, c.LastSeen().Equal(later))
	assert.Equal(t, 2, transport.Pings())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "authenticated", connection.StateAuthenticated.String())
	assert.Equal(t, "state(9)", connection.State(9).String())
}
