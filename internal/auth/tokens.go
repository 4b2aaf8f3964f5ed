// Package auth issues and verifies relay credentials and hashes passwords.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nfrund/dmrelay/internal/domain"
)

const issuer = "dmrelay"

// Claims is the JWT payload of a relay credential.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 credentials. It implements both
// domain.IdentityVerifier and domain.TokenIssuer.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// TokensOption configures Tokens.
type TokensOption func(*Tokens)

func WithTokenClock(c clock.Clock) TokensOption {
	return func(t *Tokens) {
		t.clock = c
	}
}

func NewTokens(secret string, ttl time.Duration, opts ...TokensOption) *Tokens {
	t := &Tokens{secret: []byte(secret), ttl: ttl, clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue mints a credential for identity that expires after the configured TTL.
func (t *Tokens) Issue(identity domain.Identity) (string, error) {
	if identity.IsZero() {
		return "", fmt.Errorf("issue token: %w", domain.ErrMalformedInput)
	}
	now := t.clock.Now()
	claims := &Claims{
		UserID:   identity.ID,
		Username: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of token. Every failure
// wraps domain.ErrUnauthenticated.
func (t *Tokens) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("empty token: %w", domain.ErrUnauthenticated)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
	}
	return domain.Identity{ID: claims.UserID, DisplayName: claims.Username}, nil
}
