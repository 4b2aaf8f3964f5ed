package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetPresence(3, 2)
	m.MessageRouted()
	m.MessageRouted()
	m.DeliveryResult(ResultDelivered)
	m.DeliveryResult(ResultFailed)
	m.DeliveryResult(ResultDelivered)
	m.HeartbeatTimeout()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.usersOnline))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesRouted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues(ResultDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatTimeouts))
}

func TestRelay_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestRelay_NilIsNoop(t *testing.T) {
	var m *Relay
	assert.NotPanics(t, func() {
		m.SetPresence(1, 1)
		m.MessageRouted()
		m.StoreFailure()
		m.DeliveryResult(ResultFailed)
		m.RosterBroadcast()
		m.HeartbeatTimeout()
		m.MalformedFrame()
	})
}
