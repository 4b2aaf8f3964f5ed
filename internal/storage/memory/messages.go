// Package memory provides process-local MessageStore and UserRepository
// implementations for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
)

// MessageStore keeps messages in memory, grouped by conversation.
type MessageStore struct {
	mu     sync.RWMutex
	byPair map[string][]domain.Message
	last   time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byPair: make(map[string][]domain.Message)}
}

// Append assigns an ID and stores msg. CreatedAt is moved forward when needed
// so that it is strictly increasing across the store.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w: %w", domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.CreatedAt.After(s.last) {
		msg.CreatedAt = s.last.Add(time.Nanosecond)
	}
	s.last = msg.CreatedAt

	key := domain.PairKey(msg.Sender, msg.Recipient)
	s.byPair[key] = append(s.byPair[key], msg)
	return msg, nil
}

// QueryBetween returns the conversation between a and b, oldest first.
func (s *MessageStore) QueryBetween(ctx context.Context, a, b string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w: %w", domain.ErrStoreUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.byPair[domain.PairKey(a, b)])
	if out == nil {
		out = []domain.Message{}
	}
	return out, nil
}

// Count returns the total number of stored messages.
func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.byPair {
		n += len(msgs)
	}
	return n
}

func (s *MessageStore) Ping(ctx context.Context) error { return nil }
