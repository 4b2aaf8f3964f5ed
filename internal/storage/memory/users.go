package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/dmrelay/internal/domain"
)

// UserStore is an in-memory domain.UserRepository.
type UserStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.User
	byKey map[string]string // UsernameKey -> ID
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:  make(map[string]*domain.User),
		byKey: make(map[string]string),
	}
}

func (s *UserStore) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	name := domain.NormalizeUsername(username)
	key := domain.UsernameKey(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return nil, fmt.Errorf("create user %q: %w", name, domain.ErrUserAlreadyExists)
	}

	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.byKey[key] = u.ID
	clone := *u
	return &clone, nil
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[domain.UsernameKey(username)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *UserStore) List(ctx context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b domain.User) int {
		return cmp.Or(cmp.Compare(a.Username, b.Username), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// TouchLastSeen never moves LastSeen backwards.
func (s *UserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if u.LastSeen == nil || at.After(*u.LastSeen) {
		at = at.UTC()
		u.LastSeen = &at
	}
	return nil
}
