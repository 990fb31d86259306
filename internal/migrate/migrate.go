// Package migrate applies the warehouse's schema migrations at startup.
// Every statement is idempotent (IF NOT EXISTS) and files run in lexical
// filename order per spec §6.3; no ecosystem migration library is carried
// by the teacher or the rest of the pack, so this stays on database/sql and
// embed rather than inventing a dependency the corpus never reaches for.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var embeddedFiles embed.FS

// Run applies every embedded .sql file against db in lexical filename
// order, inside one transaction per file.
func Run(ctx context.Context, db *sqlx.DB) error {
	entries, err := fs.Glob(embeddedFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		body, err := embeddedFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}
