package database

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

// schema defines the tables and indexes the stores rely on. Every statement
// is idempotent.
var schema = []string{
	"DEFINE TABLE IF NOT EXISTS message SCHEMALESS",
	"DEFINE INDEX IF NOT EXISTS message_pair_created ON message FIELDS pair, created_at",
	"DEFINE TABLE IF NOT EXISTS relay_user SCHEMALESS",
	"DEFINE INDEX IF NOT EXISTS relay_user_username_key ON relay_user FIELDS username_key UNIQUE",
}

// EnsureSchema applies the schema statements.
func EnsureSchema(ctx context.Context, conn *Connection) error {
	return conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		for _, stmt := range schema {
			if err := Execute(ctx, db, stmt, nil); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}
