package domain

import (
	"context"
	"fmt"
	"time"
)

// Message is a direct message between two users. The ID is assigned by the
// MessageStore at append time and the message is immutable afterwards.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore is the durable, append-only record of messages.
//
// Append persists msg and returns it with its assigned ID. Implementations
// may adjust CreatedAt so that, for any pair of users, append order and
// CreatedAt order agree. Any backend failure is reported as
// ErrStoreUnavailable.
//
// QueryBetween returns every message exchanged between a and b, in either
// direction, ascending by CreatedAt.
type MessageStore interface {
	Append(ctx context.Context, msg Message) (Message, error)
	QueryBetween(ctx context.Context, a, b string) ([]Message, error)
}

// PairKey returns an order-independent key for the conversation between a and b.
// Both IDs are length-prefixed, so IDs containing the separator cannot make
// two different pairs collide, and no key is a prefix of another key
// followed by a separator.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%d:%s", len(a), a, len(b), b)
}
