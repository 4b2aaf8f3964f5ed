// Package lifecycle drives connections from open to close: authentication,
// registration, inbound frame dispatch, heartbeat supervision and teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/events"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/nfrund/dmrelay/internal/pubsub"
	"github.com/nfrund/dmrelay/internal/router"
)

// Close reasons reported to peers and recorded on close events.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonAuthTimeout      = "authentication timeout"
	ReasonWriteFailed      = "write failed"
	ReasonShutdown         = "server shutting down"
	ReasonPeerClosed       = "peer closed"
	ReasonPeerGone         = "peer went away"
	ReasonFrameTooLarge    = "frame too large"
	ReasonReadFailed       = "read failed"
)

// Config holds the tunables of a Manager.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  75 * time.Second,
		SendBuffer:        256,
		WriteTimeout:      10 * time.Second,
	}
}

type tracked struct {
	conn     *connection.Connection
	openedAt time.Time
}

// Manager owns every live connection. It is the only component that moves a
// connection between lifecycle states or removes it from the registry.
type Manager struct {
	verifier  domain.IdentityVerifier
	registry  *presence.Registry
	router    *router.Router
	publisher pubsub.Publisher
	clock     clock.Clock
	cfg       Config
	metrics   *metrics.Relay
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*tracked

	pumps sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPublisher announces connection open and close events on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

func WithMetrics(r *metrics.Relay) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func New(verifier domain.IdentityVerifier, registry *presence.Registry, r *router.Router, opts ...Option) *Manager {
	m := &Manager{
		verifier: verifier,
		registry: registry,
		router:   r,
		clock:    clock.New(),
		cfg:      DefaultConfig(),
		conns:    make(map[string]*tracked),
		logger:   slog.Default().With("service", "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnOpen accepts a new transport. With a non-empty token the connection is
// authenticated and registered before OnOpen returns; a token that fails
// verification closes the transport with a policy-violation status and
// returns ErrUnauthenticated without touching the registry. With an empty
// token the connection stays Connecting until an auth frame arrives or the
// heartbeat timeout passes.
func (m *Manager) OnOpen(ctx context.Context, transport connection.Transport, token string) (*connection.Connection, error) {
	now := m.clock.Now()
	conn := connection.New(transport,
		connection.WithSendBuffer(m.cfg.SendBuffer),
		connection.WithWriteTimeout(m.cfg.WriteTimeout),
		connection.WithOpenedAt(now),
	)

	if token != "" {
		if err := m.authenticate(ctx, conn, token); err != nil {
			conn.BeginClose()
			if cerr := transport.Close(connection.StatusPolicyViolation, ReasonUnauthenticated); cerr != nil {
				m.logger.DebugContext(ctx, "Transport close failed", "connection_id", conn.ID(), "error", cerr)
			}
			conn.MarkClosed()
			m.logger.InfoContext(ctx, "Connection rejected", "connection_id", conn.ID(), "error", err)
			return nil, err
		}
	}

	m.mu.Lock()
	m.conns[conn.ID()] = &tracked{conn: conn, openedAt: now}
	m.mu.Unlock()

	m.pumps.Add(1)
	go func() {
		defer m.pumps.Done()
		if err := conn.WritePump(context.Background()); err != nil {
			m.OnClose(conn, connection.StatusInternalError, ReasonWriteFailed)
		}
	}()

	m.logger.DebugContext(ctx, "Connection opened", "connection_id", conn.ID(), "state", conn.State())
	return conn, nil
}

// OnMessage handles one inbound frame. Malformed frames are dropped and the
// connection stays open. The returned error describes what happened to the
// frame; it never means the caller must close the connection, which the
// manager does itself when needed.
func (m *Manager) OnMessage(ctx context.Context, conn *connection.Connection, raw []byte) error {
	conn.Touch(m.clock.Now())

	in, err := protocol.Parse(raw)
	if err != nil {
		m.metrics.MalformedFrame()
		m.logger.DebugContext(ctx, "Dropping malformed frame", "connection_id", conn.ID(), "error", err)
		return err
	}

	switch in.Kind {
	case protocol.KindAuth:
		if state := conn.State(); state != connection.StateConnecting {
			m.logger.DebugContext(ctx, "Dropping auth frame", "connection_id", conn.ID(), "state", state)
			return fmt.Errorf("auth frame in state %s: %w", state, domain.ErrInvalidState)
		}
		if err := m.authenticate(ctx, conn, in.Auth.Token); err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				m.OnClose(conn, connection.StatusPolicyViolation, ReasonUnauthenticated)
			}
			return err
		}
		return nil

	case protocol.KindMessage:
		_, err := m.router.RouteFrom(ctx, conn, in.Send.Recipient, in.Send.Text)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrStoreUnavailable):
			m.reportError(ctx, conn, protocol.CodeStoreUnavailable, "message could not be stored")
		case errors.Is(err, domain.ErrInvalidState):
			m.logger.DebugContext(ctx, "Dropping message from unauthenticated connection", "connection_id", conn.ID())
		}
		return err
	}
	return nil
}

// OnClose retires conn, closes its transport and, if it was registered,
// announces the departure. It is idempotent; only the first call for a
// connection has any effect and reports true.
func (m *Manager) OnClose(conn *connection.Connection, status int, reason string) bool {
	prev, registered, ok := m.registry.Retire(conn)
	if !ok {
		return false
	}

	m.mu.Lock()
	delete(m.conns, conn.ID())
	m.mu.Unlock()

	if err := conn.Transport().Close(status, reason); err != nil {
		m.logger.Debug("Transport close failed", "connection_id", conn.ID(), "error", err)
	}
	conn.MarkClosed()

	identity := conn.Identity()
	m.logger.Info("Connection closed",
		"connection_id", conn.ID(), "user_id", identity.ID, "previous_state", prev, "reason", reason)

	if registered {
		m.publish(events.ConnectionClosed, events.Connection{
			ConnectionID: conn.ID(),
			UserID:       identity.ID,
			Username:     identity.DisplayName,
			Remaining:    len(m.registry.ConnectionsFor(identity.ID)),
			Reason:       reason,
			At:           m.clock.Now().UTC(),
		})
	}
	return true
}

// Run supervises connection liveness until ctx is done, sweeping once per
// heartbeat interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat supervisor started",
		"interval", m.cfg.HeartbeatInterval, "timeout", m.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Heartbeat supervisor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep closes connections that have been silent for longer than the
// heartbeat timeout, and connections that never authenticated within it.
// Every other connection is pinged; a successful ping counts as activity.
// It returns the number of connections closed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	snapshot := make([]*tracked, 0, len(m.conns))
	for _, t := range m.conns {
		snapshot = append(snapshot, t)
	}
	m.mu.Unlock()

	closed := 0
	for _, t := range snapshot {
		conn := t.conn
		// A connection that never authenticated is a policy failure even
		// when it has also gone silent.
		switch {
		case conn.State() == connection.StateConnecting && now.Sub(t.openedAt) > m.cfg.HeartbeatTimeout:
			if m.OnClose(conn, connection.StatusPolicyViolation, ReasonAuthTimeout) {
				closed++
			}
		case now.Sub(conn.LastSeen()) > m.cfg.HeartbeatTimeout:
			if m.OnClose(conn, connection.StatusGoingAway, ReasonHeartbeatTimeout) {
				m.metrics.HeartbeatTimeout()
				closed++
			}
		default:
			go m.ping(ctx, conn)
		}
	}
	return closed
}

func (m *Manager) ping(ctx context.Context, conn *connection.Connection) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
	defer cancel()
	if err := conn.Ping(pctx, m.clock.Now); err != nil {
		m.logger.Debug("Heartbeat ping failed", "connection_id", conn.ID(), "error", err)
	}
}

// Shutdown closes every connection with a going-away status and waits for
// their write pumps to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*connection.Connection, 0, len(m.conns))
	for _, t := range m.conns {
		conns = append(conns, t.conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.OnClose(conn, connection.StatusGoingAway, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for write pumps: %w", ctx.Err())
	}
}

// Count returns the number of open connections, authenticated or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) authenticate(ctx context.Context, conn *connection.Connection, token string) error {
	identity, err := m.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
		}
		return err
	}
	if err := conn.Authenticate(identity); err != nil {
		return err
	}
	if err := m.registry.Register(identity.ID, conn); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Connection authenticated", "connection_id", conn.ID(), "user_id", identity.ID)
	m.publish(events.ConnectionOpened, events.Connection{
		ConnectionID: conn.ID(),
		UserID:       identity.ID,
		Username:     identity.DisplayName,
		Remaining:    len(m.registry.ConnectionsFor(identity.ID)),
		At:           m.clock.Now().UTC(),
	})
	return nil
}

func (m *Manager) reportError(ctx context.Context, conn *connection.Connection, code, message string) {
	payload, err := protocol.EncodeError(code, message)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to encode error frame", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		m.logger.DebugContext(ctx, "Error frame not delivered", "connection_id", conn.ID(), "error", err)
	}
}

func (m *Manager) publish(event pubsub.Event[events.Connection], payload events.Connection) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pubsub.Publish(ctx, m.publisher, event, payload.UserID, payload); err != nil {
		m.logger.Warn("Failed to publish connection event", "event", event.Name(), "error", err)
	}
}
