package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending goose migrations against db.
func Migrate(ctx context.Context, db *sql.DB, driver string, logger zerolog.Logger) error {
	dialect := goose.DialectSQLite3
	if driver == DriverLibSQL {
		dialect = goose.DialectTurso
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	for _, r := range results {
		logger.Debug().Str("migration", r.Source.Path).Dur("duration", r.Duration).Msg("Applied migration")
	}

	return nil
}
