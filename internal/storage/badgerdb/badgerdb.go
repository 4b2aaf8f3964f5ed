// Package badgerdb provides embedded, on-disk MessageStore and
// UserRepository implementations on BadgerDB.
//
// Key layout:
//
//	msg:{pair}:{unix nanos, 19 digits}:{message id}  -> message JSON
//	user:{id}                                         -> user JSON
//	username:{folded username}                        -> user id
//
// The zero-padded timestamp makes a prefix scan over one conversation
// return messages in chronological order.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/nfrund/dmrelay/internal/domain"
)

// Open opens (or creates) a Badger database at path.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	slog.Info("Opened badger store", "path", path)
	return db, nil
}

// ping reports whether db can still serve requests.
func ping(ctx context.Context, db *badger.DB) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if db.IsClosed() {
		return fmt.Errorf("badger is closed: %w", domain.ErrStoreUnavailable)
	}
	return nil
}

func unavailable(err error, op string) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
