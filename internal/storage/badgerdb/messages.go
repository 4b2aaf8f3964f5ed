package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
)

var _ domain.MessageStore = (*MessageStore)(nil)

type MessageStore struct {
	db *badger.DB

	// mu serializes appends so that key order matches append order.
	mu   sync.Mutex
	last time.Time
}

func NewMessageStore(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

func conversationPrefix(a, b string) []byte {
	return []byte("msg:" + domain.PairKey(a, b) + ":")
}

func messageKey(msg domain.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", domain.PairKey(msg.Sender, msg.Recipient), msg.CreatedAt.UnixNano(), msg.ID))
}

// Append stores msg under a fresh ID. The write is durable once Append
// returns.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, unavailable(err, "append message")
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
	value, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode message: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), value)
	}); err != nil {
		return domain.Message{}, unavailable(err, "append message")
	}
	s.last = msg.CreatedAt
	return msg, nil
}

// QueryBetween scans the conversation prefix, oldest first.
func (s *MessageStore) QueryBetween(ctx context.Context, a, b string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "query messages")
	}

	out := []domain.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(a, b)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err, "query messages")
	}
	return out, nil
}

func (s *MessageStore) Ping(ctx context.Context) error {
	return ping(ctx, s.db)
}
