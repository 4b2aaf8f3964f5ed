package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeUsername returns the display form of a username: NFKC normalized
// with surrounding whitespace removed.
func NormalizeUsername(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

// UsernameKey returns the lookup key for a username. Two usernames that differ
// only in case or compatibility form map to the same key.
func UsernameKey(s string) string {
	return folder.String(NormalizeUsername(s))
}
