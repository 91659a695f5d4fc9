package internal

import (
	"database/sql"
	"embed"
	"fmt"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Database drivers accepted for the SQL session store.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// RunMigrations applies the session store schema for the given driver.
func RunMigrations(db *sql.DB, driver string) error {
	var dialect, dir string
	switch driver {
	case DriverPostgres:
		dialect, dir = "postgres", "postgres"
	case DriverSQLite:
		dialect, dir = "sqlite3", "sqlite"
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	return goose.Up(db, path.Join("migrations", dir))
}
