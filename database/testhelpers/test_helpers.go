// Package testhelpers provides the shared SQLite-backed fixture used by
// every repository package's tests, grounded on the teacher repository's
// database/testhelpers connect/migrate/close helpers.
package testhelpers

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/kizaibot/kizaibot/database"
	"github.com/kizaibot/kizaibot/database/drivers"
	"github.com/kizaibot/kizaibot/database/migrator"
)

// ConnectSQLite opens a fresh temp-file SQLite database, applies every
// migration, and returns the connected Instance plus a cleanup func.
func ConnectSQLite() (*database.Instance, func(), error) {
	dir, err := os.MkdirTemp("", "kizaibot-test")
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, "test.db")

	inst := &database.Instance{}
	if err := inst.Connect(&database.Config{
		Driver:            database.DBSQLite3,
		ConnectionDetails: drivers.ConnectionDetails{Database: path},
	}); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	db, err := inst.SQL()
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	if err := migrator.Up(db, database.DBSQLite3.String()); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	cleanup := func() {
		inst.Close()
		os.RemoveAll(dir)
	}
	return inst, cleanup, nil
}

// MustSQL returns the pooled *sql.DB for inst or panics; test-only helper.
func MustSQL(inst *database.Instance) *sql.DB {
	db, err := inst.SQL()
	if err != nil {
		panic(err)
	}
	return db
}
