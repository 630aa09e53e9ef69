package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// Migrate executes the SQL script at path. The scripts are written to be
// re-runnable.
func Migrate(ctx context.Context, db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}
