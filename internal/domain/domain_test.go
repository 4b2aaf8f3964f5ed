package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairKey_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.NotEqual(t, PairKey("alice", "bob"), PairKey("alice", "carol"))
	assert.Equal(t, "1:a|1:a", PairKey("a", "a"))
}

func TestPairKey_SeparatorInIDsDoesNotCollide(t *testing.T) {
	assert.NotEqual(t, PairKey("a|b", "c"), PairKey("a", "b|c"))
	assert.NotEqual(t, PairKey("a:1", "b"), PairKey("a", "1:b"))
	assert.False(t, strings.HasPrefix(PairKey("a", "b:x"), PairKey("a", "b")+":"))
}

func TestUsernameKey(t *testing.T) {
	assert.Equal(t, "alice", UsernameKey("  Alice "))
	assert.Equal(t, UsernameKey("ALICE"), UsernameKey("alice"))
	// Fullwidth letters fold to their ASCII form under NFKC.
	assert.Equal(t, "abc", UsernameKey("ａｂｃ"))
	assert.Equal(t, "Alice", NormalizeUsername(" Alice\t"))
}

func TestErrorsWrap(t *testing.T) {
	err := fmt.Errorf("append message: %w", ErrStoreUnavailable)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrDeliveryFailure))
}

func TestUser_Identity(t *testing.T) {
	u := User{ID: "u1", Username: "alice"}
	assert.Equal(t, Identity{ID: "u1", DisplayName: "alice"}, u.Identity())
	assert.True(t, Identity{}.IsZero())
}
