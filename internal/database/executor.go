package database

import (
	"context"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Query executes a SurrealQL statement and returns the rows of its first
// result set.
//
// Example:
//
//	msgs, err := Query[messageRecord](ctx, db, "SELECT * FROM message WHERE pair = $pair", map[string]any{"pair": key})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	queryResults, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, NewDBError(err, ErrQueryFailed.Error()).WithQuery(query)
	}
	if queryResults == nil || len(*queryResults) == 0 {
		return nil, nil
	}
	return (*queryResults)[0].Result, nil
}

// QueryOne executes a statement and returns its first row, or nil, nil when
// there is none. SELECT statements without a LIMIT get LIMIT 1.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	// CREATE/UPDATE/DELETE statements don't support LIMIT.
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") && !hasLimitClause(query) {
		query += " LIMIT 1"
	}

	results, err := Query[T](ctx, db, query, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Execute runs a statement whose rows are not needed.
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, query, params); err != nil {
		return NewDBError(err, ErrQueryFailed.Error()).WithQuery(query)
	}
	return nil
}

func hasLimitClause(query string) bool {
	query = " " + strings.ToUpper(strings.Join(strings.Fields(query), " ")) + " "
	return strings.Contains(query, " LIMIT ")
}
