// Package client is a reconnecting relay client. It keeps one WebSocket
// open, redials with bounded exponential backoff after a drop, and hands
// roster, message and error frames to callbacks. Deliveries are
// deduplicated by message ID over a bounded window of recent IDs.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/protocol"
)

// State is the client's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("client is not connected")

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	writeWait        = 10 * time.Second

	defaultDedupWindow = 4096
)

type Option func(*Client)

// WithBackoff sets the first and the largest redial delay.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithDedupWindow sets how many recent message IDs are remembered for
// suppressing redelivered messages.
func WithDedupWindow(n int) Option {
	return func(c *Client) {
		c.dedupWindow = n
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

func OnRoster(fn func(protocol.RosterFrame)) Option {
	return func(c *Client) {
		c.onRoster = fn
	}
}

func OnMessage(fn func(domain.Message)) Option {
	return func(c *Client) {
		c.onMessage = fn
	}
}

func OnError(fn func(protocol.ErrorBody)) Option {
	return func(c *Client) {
		c.onError = fn
	}
}

func OnStateChange(fn func(State)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// Client is a reconnecting relay connection.
type Client struct {
	url       string
	token     string
	dialer    *websocket.Dialer
	clock     clock.Clock
	baseDelay time.Duration
	maxDelay  time.Duration

	onRoster  func(protocol.RosterFrame)
	onMessage func(domain.Message)
	onError   func(protocol.ErrorBody)
	onState   func(State)

	state atomic.Int32

	// writeMu guards conn and serializes writes; gorilla allows one writer.
	writeMu sync.Mutex
	conn    *websocket.Conn

	// seen remembers the most recent delivered message IDs.
	seen        *lru.Cache[string, struct{}]
	dedupWindow int

	logger *slog.Logger
}

// New creates a client for the relay WebSocket at url. The token is sent as
// a bearer credential on every dial.
func New(url, token string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		token:       token,
		dialer:      websocket.DefaultDialer,
		clock:       clock.New(),
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		dedupWindow: defaultDedupWindow,
		logger:      slog.Default().With("service", "relay-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	seen, err := lru.New[string, struct{}](c.dedupWindow)
	if err != nil {
		// Only a non-positive size fails.
		seen, _ = lru.New[string, struct{}](defaultDedupWindow)
	}
	c.seen = seen
	return c
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Run connects and keeps reconnecting until ctx ends. It returns ctx's
// error.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(Disconnected)
			return err
		}

		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(Disconnected)
			delay := c.backoff(attempt)
			attempt++
			c.logger.Warn("Dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if !c.wait(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		c.attach(conn)
		c.setState(Connected)
		c.logger.Info("Connected to relay", "url", c.url)

		err = c.readLoop(ctx, conn)
		c.detach(conn)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Connection lost", "error", err)

		// Redial after a short pause so a server that closes right after the
		// upgrade is not hammered.
		if !c.wait(ctx, c.backoff(0)) {
			return ctx.Err()
		}
	}
}

// Send delivers text to recipient over the current connection.
func (c *Client) Send(recipient, text string) error {
	frame, err := protocol.EncodeSend(recipient, text)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Authenticate sends a late authentication frame.
func (c *Client) Authenticate(token string) error {
	frame, err := protocol.EncodeAuth(token)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(c.clock.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) attach(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

func (c *Client) detach(conn *websocket.Conn) {
	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Closing the socket is the only way to interrupt a gorilla read.
	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.clock.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	out, err := protocol.DecodeOutbound(data)
	if err != nil {
		c.logger.Debug("Dropping unrecognized frame", "error", err)
		return
	}
	switch {
	case out.Roster != nil:
		if c.onRoster != nil {
			c.onRoster(*out.Roster)
		}
	case out.Message != nil:
		if !c.firstSighting(out.Message.ID) {
			c.logger.Debug("Dropping duplicate delivery", "message_id", out.Message.ID)
			return
		}
		if c.onMessage != nil {
			c.onMessage(*out.Message)
		}
	case out.Error != nil:
		if c.onError != nil {
			c.onError(*out.Error)
		}
	}
}

func (c *Client) firstSighting(id string) bool {
	seen, _ := c.seen.ContainsOrAdd(id, struct{}{})
	return !seen
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.onState != nil {
		c.onState(s)
	}
}

// backoff returns the delay before redial attempt n: the base doubled per
// attempt plus up to 25% jitter, never more than the max.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	delay += rand.Float64() * delay * 0.25
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
