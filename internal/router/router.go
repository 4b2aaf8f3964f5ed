// Package router persists direct messages and fans them out to the
// recipient's live connections.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/events"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/nfrund/dmrelay/internal/pubsub"
	"github.com/samber/lo"
)

// ConnectionLookup is the registry view the router reads.
type ConnectionLookup interface {
	ConnectionsFor(userID string) []*connection.Connection
}

// Delivery is the outcome of a successful route.
type Delivery struct {
	Message domain.Message
	// Delivered counts connections that accepted the frame.
	Delivered int
	// Failed counts connections that could not be written to.
	Failed int
}

// Router persists a message and then delivers it. A message is never
// delivered unless the store accepted it.
type Router struct {
	store        domain.MessageStore
	lookup       ConnectionLookup
	publisher    pubsub.Publisher
	clock        clock.Clock
	echoToSender bool
	metrics      *metrics.Relay
	logger       *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithEchoToSender also delivers each message to the sender's other
// connections.
func WithEchoToSender(enabled bool) Option {
	return func(r *Router) {
		r.echoToSender = enabled
	}
}

// WithPublisher announces every persisted message on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(r *Router) {
		r.publisher = p
	}
}

// WithClock sets the time source for CreatedAt.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

func WithMetrics(m *metrics.Relay) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

func New(store domain.MessageStore, lookup ConnectionLookup, opts ...Option) *Router {
	r := &Router{
		store:  store,
		lookup: lookup,
		clock:  clock.New(),
		logger: slog.Default().With("service", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route persists a message from sender to recipientID and delivers it to
// every live connection of the recipient. Delivery to zero connections is a
// normal outcome. A store failure returns ErrStoreUnavailable and nothing is
// delivered.
func (r *Router) Route(ctx context.Context, sender domain.Identity, recipientID, text string) (Delivery, error) {
	return r.route(ctx, sender, recipientID, text, "")
}

// RouteFrom routes a message sent by origin. With sender echo enabled the
// message also reaches the sender's other connections, never origin itself.
func (r *Router) RouteFrom(ctx context.Context, origin *connection.Connection, recipientID, text string) (Delivery, error) {
	if state := origin.State(); state != connection.StateAuthenticated {
		return Delivery{}, fmt.Errorf("route from connection %s in state %s: %w", origin.ID(), state, domain.ErrInvalidState)
	}
	return r.route(ctx, origin.Identity(), recipientID, text, origin.ID())
}

func (r *Router) route(ctx context.Context, sender domain.Identity, recipientID, text, originID string) (Delivery, error) {
	if sender.IsZero() {
		return Delivery{}, fmt.Errorf("route without sender: %w", domain.ErrUnauthenticated)
	}
	if recipientID == "" || text == "" {
		return Delivery{}, fmt.Errorf("route requires recipient and text: %w", domain.ErrMalformedInput)
	}

	msg, err := r.store.Append(ctx, domain.Message{
		Sender:    sender.ID,
		Recipient: recipientID,
		Text:      text,
		CreatedAt: r.clock.Now().UTC(),
	})
	if err != nil {
		r.metrics.StoreFailure()
		r.logger.ErrorContext(ctx, "Failed to persist message", "sender_id", sender.ID, "recipient_id", recipientID, "error", err)
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return Delivery{}, fmt.Errorf("persist message: %w", err)
	}
	r.metrics.MessageRouted()

	payload, err := protocol.EncodeMessage(msg)
	if err != nil {
		// The message is durable and reachable through history.
		r.logger.ErrorContext(ctx, "Failed to encode message for delivery", "message_id", msg.ID, "error", err)
		return Delivery{Message: msg}, nil
	}

	delivery := Delivery{Message: msg}
	for _, conn := range r.targets(sender.ID, recipientID, originID) {
		if err := conn.Send(payload); err != nil {
			delivery.Failed++
			r.metrics.DeliveryResult(metrics.ResultFailed)
			r.logger.WarnContext(ctx, "Message delivery failed",
				"message_id", msg.ID, "connection_id", conn.ID(), "error", err)
			continue
		}
		delivery.Delivered++
		r.metrics.DeliveryResult(metrics.ResultDelivered)
	}

	r.announce(ctx, msg)
	r.logger.DebugContext(ctx, "Message routed",
		"message_id", msg.ID, "sender_id", sender.ID, "recipient_id", recipientID,
		"delivered", delivery.Delivered, "failed", delivery.Failed)
	return delivery, nil
}

// targets snapshots the connections to deliver to. Each connection appears
// at most once.
func (r *Router) targets(senderID, recipientID, originID string) []*connection.Connection {
	targets := r.lookup.ConnectionsFor(recipientID)
	if r.echoToSender && senderID != recipientID {
		echo := lo.Filter(r.lookup.ConnectionsFor(senderID), func(c *connection.Connection, _ int) bool {
			return c.ID() != originID
		})
		targets = append(targets, echo...)
	}
	return lo.UniqBy(targets, func(c *connection.Connection) string { return c.ID() })
}

func (r *Router) announce(ctx context.Context, msg domain.Message) {
	if r.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := pubsub.Publish(pctx, r.publisher, events.MessagePersisted, msg.Sender, msg); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish message event", "message_id", msg.ID, "error", err)
	}
}
