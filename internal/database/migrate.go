package database

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to the latest embedded version. Safe to
// call on every startup; goose tracks applied versions in its own
// bookkeeping table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to set goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to run migrations")
	}
	return nil
}
