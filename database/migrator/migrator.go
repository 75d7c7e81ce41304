// Package migrator applies the bot's forward-only schema migrations at
// startup using github.com/thrasher-corp/goose, the migration runner the
// teacher repository already depends on.
package migrator

import (
	"database/sql"
	"embed"

	"github.com/pkg/errors"
	"github.com/thrasher-corp/goose"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "migrations"

// Up applies every pending migration embedded in this package, in
// filename order. There is no down/rollback path: migrations are
// forward-only, matching the documented external interface.
func Up(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "migrator: set dialect")
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return errors.Wrap(err, "migrator: up")
	}
	return nil
}

// Status reports which migrations have been applied, for the "migrate"
// CLI subcommand.
func Status(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "migrator: set dialect")
	}
	return goose.Status(db, migrationsDir)
}
