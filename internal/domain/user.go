package domain

import (
	"context"
	"time"
)

// User is a directory entry. PasswordHash is never serialized to clients.
type User struct {
	ID           string     `json:"userId"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

// Identity returns the identity a token for this user carries.
func (u User) Identity() Identity {
	return Identity{ID: u.ID, DisplayName: u.Username}
}

// UserRepository stores accounts and serves the registered-user directory.
// It lives in the domain because it's a requirement OF the domain, not
// of the database implementation.
type UserRepository interface {
	// Create stores a new user and returns it with its assigned ID. Usernames
	// are unique under case folding; a clash returns ErrUserAlreadyExists.
	Create(ctx context.Context, username, passwordHash string) (*User, error)
	// FindByUsername returns ErrNotFound when no user matches.
	FindByUsername(ctx context.Context, username string) (*User, error)
	// FindByID returns ErrNotFound when no user matches.
	FindByID(ctx context.Context, id string) (*User, error)
	// List returns the full directory ordered by username.
	List(ctx context.Context) ([]User, error)
	// TouchLastSeen records the last time the user held a live connection.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
