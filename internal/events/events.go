// Package events declares the relay events published on the bus.
package events

import (
	"time"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/pubsub"
)

// Connection describes a connection joining or leaving the registry.
type Connection struct {
	ConnectionID string `json:"connectionID"`
	UserID       string `json:"userID"`
	Username     string `json:"username"`
	// Remaining is the number of registered connections the user still holds
	// after this event.
	Remaining int       `json:"remaining"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

var (
	ConnectionOpened = pubsub.NewEvent[Connection]("relay.connection.opened")
	ConnectionClosed = pubsub.NewEvent[Connection]("relay.connection.closed")
	MessagePersisted = pubsub.NewEvent[domain.Message]("relay.message.persisted")
)
