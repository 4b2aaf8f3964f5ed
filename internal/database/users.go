package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const userTable = "relay_user"

var _ domain.UserRepository = (*UserStore)(nil)

type userRecord struct {
	ID           *surrealmodels.RecordID       `json:"id,omitempty"`
	Username     string                        `json:"username"`
	UsernameKey  string                        `json:"username_key"`
	PasswordHash string                        `json:"password_hash"`
	CreatedAt    surrealmodels.CustomDateTime  `json:"created_at"`
	LastSeen     *surrealmodels.CustomDateTime `json:"last_seen,omitempty"`
}

func (r userRecord) toDomain() *domain.User {
	u := &domain.User{
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.Time.UTC(),
	}
	if r.ID != nil {
		u.ID = fmt.Sprint(r.ID.ID)
	}
	if r.LastSeen != nil {
		seen := r.LastSeen.Time.UTC()
		u.LastSeen = &seen
	}
	return u
}

// UserStore persists accounts in SurrealDB. Usernames are unique under
// case folding, enforced by a unique index on username_key.
type UserStore struct {
	conn           *Connection
	queryTimeout   time.Duration
	executeTimeout time.Duration
}

func NewUserStore(conn *Connection, queryTimeout, executeTimeout time.Duration) *UserStore {
	return &UserStore{conn: conn, queryTimeout: queryTimeout, executeTimeout: executeTimeout}
}

func (s *UserStore) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	username = domain.NormalizeUsername(username)
	key := domain.UsernameKey(username)

	existing, err := s.findOne(ctx, "SELECT * FROM type::table($table) WHERE username_key = $key", map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("create user %q: %w", username, domain.ErrUserAlreadyExists)
	}

	ctx, cancel := timeoutFromContext(ctx, s.executeTimeout, ContextKeyExecuteTimeout)
	defer cancel()

	const query = "CREATE type::thing($table, $id) CONTENT $data"
	params := map[string]any{
		"table": userTable,
		"id":    uuid.NewString(),
		"data": userRecord{
			Username:     username,
			UsernameKey:  key,
			PasswordHash: passwordHash,
			CreatedAt:    surrealmodels.CustomDateTime{Time: time.Now().UTC()},
		},
	}

	var created *userRecord
	err = s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		created, qerr = QueryOne[userRecord](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		// A concurrent registration lost the race on the unique index.
		if strings.Contains(err.Error(), "already contains") {
			return nil, fmt.Errorf("create user %q: %w", username, domain.ErrUserAlreadyExists)
		}
		return nil, unavailable(err, "create user")
	}
	if created == nil {
		return nil, unavailable(NewDBError(ErrQueryFailed, "create returned no record"), "create user")
	}
	return created.toDomain(), nil
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	key := domain.UsernameKey(domain.NormalizeUsername(username))
	u, err := s.findOne(ctx, "SELECT * FROM type::table($table) WHERE username_key = $key", map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q: %w", username, domain.ErrNotFound)
	}
	return u, nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.findOne(ctx, "SELECT * FROM type::thing($table, $id)", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

// List returns every user ordered by username.
func (s *UserStore) List(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := timeoutFromContext(ctx, s.queryTimeout, ContextKeyQueryTimeout)
	defer cancel()

	const query = "SELECT * FROM type::table($table) ORDER BY username_key ASC"
	var records []userRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		records, qerr = Query[userRecord](ctx, db, query, map[string]any{"table": userTable})
		return qerr
	})
	if err != nil {
		return nil, unavailable(err, "list users")
	}

	users := make([]domain.User, 0, len(records))
	for _, r := range records {
		users = append(users, *r.toDomain())
	}
	return users, nil
}

// TouchLastSeen records at as the user's last presence. Older timestamps
// never overwrite newer ones.
func (s *UserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := timeoutFromContext(ctx, s.executeTimeout, ContextKeyExecuteTimeout)
	defer cancel()

	const query = "UPDATE type::thing($table, $id) SET last_seen = $at WHERE last_seen IS NONE OR last_seen < $at"
	params := map[string]any{
		"table": userTable,
		"id":    id,
		"at":    surrealmodels.CustomDateTime{Time: at.UTC()},
	}
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, params)
	})
	if err != nil {
		return unavailable(err, "touch last seen")
	}
	return nil
}

func (s *UserStore) findOne(ctx context.Context, query string, params map[string]any) (*domain.User, error) {
	ctx, cancel := timeoutFromContext(ctx, s.queryTimeout, ContextKeyQueryTimeout)
	defer cancel()

	params["table"] = userTable
	var record *userRecord
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		record, qerr = QueryOne[userRecord](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		return nil, unavailable(err, "find user")
	}
	if record == nil {
		return nil, nil
	}
	return record.toDomain(), nil
}
