package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const messageTable = "message"

var _ domain.MessageStore = (*MessageStore)(nil)

// messageRecord is the stored shape of a message. pair holds the ordered
// conversation key so history is one indexed lookup.
type messageRecord struct {
	ID        *surrealmodels.RecordID      `json:"id,omitempty"`
	Sender    string                       `json:"sender"`
	Recipient string                       `json:"recipient"`
	Pair      string                       `json:"pair"`
	Text      string                       `json:"text"`
	CreatedAt surrealmodels.CustomDateTime `json:"created_at"`
}

func (r messageRecord) toDomain() domain.Message {
	msg := domain.Message{
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Text:      r.Text,
		CreatedAt: r.CreatedAt.Time.UTC(),
	}
	if r.ID != nil {
		msg.ID = fmt.Sprint(r.ID.ID)
	}
	return msg
}

// MessageStore persists messages in SurrealDB. Appends are serialized so
// that created_at is strictly increasing in store order.
type MessageStore struct {
	conn           *Connection
	queryTimeout   time.Duration
	executeTimeout time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewMessageStore(conn *Connection, queryTimeout, executeTimeout time.Duration) *MessageStore {
	return &MessageStore{conn: conn, queryTimeout: queryTimeout, executeTimeout: executeTimeout}
}

// Append stores msg under a fresh ID. Any backend failure is reported as
// domain.ErrStoreUnavailable.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	ctx, cancel := timeoutFromContext(ctx, s.executeTimeout, ContextKeyExecuteTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.stampLocked(msg.CreatedAt)
	params := map[string]any{
		"table": messageTable,
		"id":    msg.ID,
		"data": messageRecord{
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			Pair:      domain.PairKey(msg.Sender, msg.Recipient),
			Text:      msg.Text,
			CreatedAt: surrealmodels.CustomDateTime{Time: msg.CreatedAt},
		},
	}
	const query = "CREATE type::thing($table, $id) CONTENT $data"

	var created *messageRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		created, qerr = QueryOne[messageRecord](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		return domain.Message{}, unavailable(err, "append message")
	}
	if created == nil {
		return domain.Message{}, unavailable(NewDBError(ErrQueryFailed, "create returned no record").WithQuery(query), "append message")
	}
	s.last = msg.CreatedAt
	return created.toDomain(), nil
}

// stampLocked returns at, or now when at is zero, moved past the last
// stored timestamp. The caller holds s.mu.
func (s *MessageStore) stampLocked(at time.Time) time.Time {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	if !at.After(s.last) {
		at = s.last.Add(time.Nanosecond)
	}
	return at
}

// QueryBetween returns the conversation between a and b, oldest first.
func (s *MessageStore) QueryBetween(ctx context.Context, a, b string) ([]domain.Message, error) {
	ctx, cancel := timeoutFromContext(ctx, s.queryTimeout, ContextKeyQueryTimeout)
	defer cancel()

	const query = "SELECT * FROM type::table($table) WHERE pair = $pair ORDER BY created_at ASC, id ASC"
	params := map[string]any{"table": messageTable, "pair": domain.PairKey(a, b)}

	var records []messageRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		records, qerr = Query[messageRecord](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		return nil, unavailable(err, "query messages")
	}

	out := make([]domain.Message, 0, len(records))
	for _, r := range records {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Ping checks that the database answers.
func (s *MessageStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}
