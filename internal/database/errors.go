package database

import (
	"errors"
	"fmt"

	"github.com/nfrund/dmrelay/internal/domain"
)

var (
	// ErrNotConnected is returned when no healthy connection is available.
	ErrNotConnected = errors.New("database not connected")

	// ErrQueryFailed is returned when SurrealDB rejects or fails a query.
	ErrQueryFailed = errors.New("query execution failed")
)

// DBError carries the operation, query and parameters of a failed database
// call alongside the driver error.
type DBError struct {
	err     error
	context string
	query   string
	params  map[string]any
}

// NewDBError creates a DBError. context names the operation that failed.
func NewDBError(err error, context string) *DBError {
	return &DBError{err: err, context: context}
}

func (e *DBError) WithQuery(query string) *DBError {
	e.query = query
	return e
}

// WithParams records the query parameters. Values are only shown by
// Error, so callers must not pass secrets.
func (e *DBError) WithParams(params map[string]any) *DBError {
	e.params = params
	return e
}

func (e *DBError) Error() string {
	msg := e.context
	if e.query != "" {
		msg = fmt.Sprintf("%s (query: %s)", msg, e.query)
	}
	if len(e.params) > 0 {
		msg = fmt.Sprintf("%s (params: %v)", msg, e.params)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *DBError) Unwrap() error {
	return e.err
}

// WrapError adds context to err. An existing DBError keeps its query and
// gains the outer context.
func WrapError(err error, context string) *DBError {
	if err == nil {
		return nil
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.context != "" {
			context = fmt.Sprintf("%s: %s", context, dbErr.context)
		}
		dbErr.context = context
		return dbErr
	}
	return NewDBError(err, context)
}

// unavailable marks a backend failure as domain.ErrStoreUnavailable while
// keeping the database detail in the chain.
func unavailable(err error, context string) error {
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, WrapError(err, context))
}
