package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
)

var _ domain.UserRepository = (*UserStore)(nil)

const (
	userPrefix     = "user:"
	usernamePrefix = "username:"
)

// userRecord is the stored form of a user. domain.User hides the password
// hash from JSON, so it is not stored directly.
type userRecord struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

func (r userRecord) toDomain() *domain.User {
	return &domain.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
		LastSeen:     r.LastSeen,
	}
}

type UserStore struct {
	db *badger.DB
}

func NewUserStore(db *badger.DB) *UserStore {
	return &UserStore{db: db}
}

// Create stores a new user. The username index and the user record are
// written in one transaction.
func (s *UserStore) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	username = domain.NormalizeUsername(username)
	record := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}

	indexKey := []byte(usernamePrefix + domain.UsernameKey(username))
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(indexKey); err == nil {
			return domain.ErrUserAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(indexKey, []byte(record.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(userPrefix+record.ID), value)
	})
	switch {
	case err == nil:
		return record.toDomain(), nil
	case errors.Is(err, domain.ErrUserAlreadyExists), errors.Is(err, badger.ErrConflict):
		// A conflict means a concurrent transaction claimed the same username.
		return nil, fmt.Errorf("create user %q: %w", username, domain.ErrUserAlreadyExists)
	default:
		return nil, unavailable(err, "create user")
	}
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	var record userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(usernamePrefix + domain.UsernameKey(domain.NormalizeUsername(username))))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getUser(txn, string(id), &record)
	})
	if err != nil {
		return nil, lookupError(err, "user "+username)
	}
	return record.toDomain(), nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var record userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getUser(txn, id, &record)
	})
	if err != nil {
		return nil, lookupError(err, "user "+id)
	}
	return record.toDomain(), nil
}

// List returns every user ordered by username.
func (s *UserStore) List(ctx context.Context) ([]domain.User, error) {
	users := []domain.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record userRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			users = append(users, *record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err, "list users")
	}
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(domain.UsernameKey(a.Username), domain.UsernameKey(b.Username))
	})
	return users, nil
}

// TouchLastSeen records at unless a later time is already stored.
func (s *UserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var record userRecord
		if err := getUser(txn, id, &record); err != nil {
			return err
		}
		if record.LastSeen != nil && !at.After(*record.LastSeen) {
			return nil
		}
		at := at.UTC()
		record.LastSeen = &at
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set([]byte(userPrefix+id), value)
	})
	if err != nil {
		return lookupError(err, "touch last seen for "+id)
	}
	return nil
}

func getUser(txn *badger.Txn, id string, record *userRecord) error {
	item, err := txn.Get([]byte(userPrefix + id))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, record)
	})
}

func lookupError(err error, what string) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return unavailable(err, what)
}
