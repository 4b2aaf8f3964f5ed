// Package connection models one live client session: its lifecycle state,
// the identity it authenticated as, and a bounded outbound queue drained by a
// write pump onto the underlying transport.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close status codes, numerically equal to the RFC 6455 codes.
const (
	StatusNormal          = 1000
	StatusGoingAway       = 1001
	StatusPolicyViolation = 1008
	StatusMessageTooBig   = 1009
	StatusInternalError   = 1011
)

// Transport is the message-oriented wire underneath a connection.
type Transport interface {
	// Write sends one frame. It must honor ctx cancellation.
	Write(ctx context.Context, payload []byte) error
	// Ping performs a liveness round trip and returns once the peer answered.
	Ping(ctx context.Context) error
	// Close tears the transport down. Calling it more than once is allowed.
	Close(status int, reason string) error
}

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

// Option configures a Connection.
type Option func(*Connection)

// WithSendBuffer sets the capacity of the outbound queue.
func WithSendBuffer(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds each transport write performed by the write pump.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithOpenedAt sets the initial liveness timestamp.
func WithOpenedAt(t time.Time) Option {
	return func(c *Connection) {
		c.lastSeen.Store(t.UnixNano())
	}
}

// Connection is one live transport session. It is owned by the lifecycle
// manager; the registry and router only hold references to it.
type Connection struct {
	id           string
	transport    Transport
	sendBuffer   int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	state    State
	identity domain.Identity
	send     chan []byte

	lastSeen atomic.Int64
}

// New creates a connection in the Connecting state.
func New(transport Transport, opts ...Option) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		transport:    transport,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		state:        StateConnecting,
	}
	c.lastSeen.Store(time.Now().UnixNano())
	for _, opt := range opts {
		opt(c)
	}
	c.send = make(chan []byte, c.sendBuffer)
	c.logger = slog.Default().With("service", "connection", "connection_id", c.id)
	return c
}

func (c *Connection) ID() string { return c.id }

// Transport returns the underlying transport.
func (c *Connection) Transport() Transport { return c.transport }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns the identity the connection authenticated as, or the zero
// Identity while it is still connecting.
func (c *Connection) Identity() domain.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Authenticate binds an identity and moves Connecting to Authenticated.
func (c *Connection) Authenticate(identity domain.Identity) error {
	if identity.IsZero() {
		return fmt.Errorf("authenticate with empty identity: %w", domain.ErrUnauthenticated)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("authenticate connection in state %s: %w", c.state, domain.ErrInvalidState)
	}
	c.identity = identity
	c.state = StateAuthenticated
	return nil
}

// BeginClose moves a Connecting or Authenticated connection to Closing and
// returns the state it left. ok is false if the connection was already
// closing or closed, in which case another caller owns the teardown.
func (c *Connection) BeginClose() (prev State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.state
	if prev == StateClosing || prev == StateClosed {
		return prev, false
	}
	c.state = StateClosing
	return prev, true
}

// MarkClosed moves the connection to Closed and closes the outbound queue,
// which ends the write pump.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	close(c.send)
}

// Send enqueues a frame without blocking. A full queue, or a connection that
// is closing or closed, yields ErrDeliveryFailure.
func (c *Connection) Send(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == StateClosing || c.state == StateClosed {
		return fmt.Errorf("connection %s is %s: %w", c.id, c.state, domain.ErrDeliveryFailure)
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("connection %s send queue full: %w", c.id, domain.ErrDeliveryFailure)
	}
}

// Queued returns the number of frames waiting in the outbound queue.
func (c *Connection) Queued() int {
	return len(c.send)
}

// Touch records activity from the peer.
func (c *Connection) Touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

// LastSeen returns the last time the peer showed activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Ping runs a transport-level liveness probe and records activity on success.
func (c *Connection) Ping(ctx context.Context, now func() time.Time) error {
	if err := c.transport.Ping(ctx); err != nil {
		return err
	}
	c.Touch(now())
	return nil
}

// WritePump drains the outbound queue onto the transport until the queue is
// closed, ctx is done, or a write fails. A nil return means the queue was
// closed by MarkClosed.
func (c *Connection) WritePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-c.send:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.transport.Write(wctx, payload)
			cancel()
			if err != nil {
				c.logger.Debug("Write to transport failed", "error", err)
				return fmt.Errorf("write to connection %s: %w", c.id, err)
			}
		}
	}
}
