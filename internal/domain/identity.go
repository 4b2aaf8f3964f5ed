package domain

import "context"

// Identity is a verified user. It is immutable for the lifetime of a connection.
type Identity struct {
	ID          string `json:"userId"`
	DisplayName string `json:"username"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// IdentityVerifier turns an opaque credential token into an Identity.
// Implementations fail with ErrUnauthenticated.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenIssuer mints credential tokens that an IdentityVerifier accepts.
type TokenIssuer interface {
	Issue(identity Identity) (string, error)
}
