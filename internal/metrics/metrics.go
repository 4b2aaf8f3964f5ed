// Package metrics exposes relay counters and gauges to Prometheus.
// A nil *Relay is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery results recorded by DeliveryResult.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// Relay groups the collectors the relay reports into.
type Relay struct {
	connectionsActive prometheus.Gauge
	usersOnline       prometheus.Gauge
	messagesRouted    prometheus.Counter
	storeFailures     prometheus.Counter
	deliveries        *prometheus.CounterVec
	rosterBroadcasts  prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	malformedFrames   prometheus.Counter
}

// New creates the relay collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Relay, error) {
	r := &Relay{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections_active",
			Help:      "Authenticated connections currently registered.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "users_online",
			Help:      "Distinct users holding at least one registered connection.",
		}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_routed_total",
			Help:      "Messages persisted and fanned out.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "store_failures_total",
			Help:      "Routes rejected because the message store was unavailable.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Per-connection delivery attempts by result.",
		}, []string{"result"}),
		rosterBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "roster_broadcasts_total",
			Help:      "Roster snapshots pushed to all connections.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed for failing the liveness probe.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.connectionsActive, r.usersOnline, r.messagesRouted, r.storeFailures,
		r.deliveries, r.rosterBroadcasts, r.heartbeatTimeouts, r.malformedFrames,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Relay) SetPresence(connections, users int) {
	if r == nil {
		return
	}
	r.connectionsActive.Set(float64(connections))
	r.usersOnline.Set(float64(users))
}

func (r *Relay) MessageRouted() {
	if r == nil {
		return
	}
	r.messagesRouted.Inc()
}

func (r *Relay) StoreFailure() {
	if r == nil {
		return
	}
	r.storeFailures.Inc()
}

func (r *Relay) DeliveryResult(result string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(result).Inc()
}

func (r *Relay) RosterBroadcast() {
	if r == nil {
		return
	}
	r.rosterBroadcasts.Inc()
}

func (r *Relay) HeartbeatTimeout() {
	if r == nil {
		return
	}
	r.heartbeatTimeouts.Inc()
}

func (r *Relay) MalformedFrame() {
	if r == nil {
		return
	}
	r.malformedFrames.Inc()
}
