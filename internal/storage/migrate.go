package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies an embedded schema file in one transaction. The files only
// hold idempotent CREATE ... IF NOT EXISTS statements, so it runs on every
// open.
func migrate(ctx context.Context, db *sql.DB, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s (statement %d): %w", name, i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	return nil
}
