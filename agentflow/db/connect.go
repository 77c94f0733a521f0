// Package db opens the turn log database and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"
)

// Driver names registered with database/sql.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// Open creates the database directory if needed, connects with the named
// driver and runs the embedded migrations.
func Open(ctx context.Context, driver, path string, logger zerolog.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", filepath.Dir(path), err)
	}

	var dsn string
	switch driver {
	case DriverLibSQL:
		dsn = "file:" + path
	case DriverSQLite:
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	logger.Debug().Str("driver", driver).Str("path", path).Msg("Connecting to turn log database")

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}
	// single writer; one connection keeps rowid order identical to append order
	db.SetMaxOpenConns(1)

	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := Migrate(ctx, db, driver, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// verify checks basic connectivity.
func verify(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}
