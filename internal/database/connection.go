// Package database owns the single SQLite file backing the pipeline's
// durable state: cache entries, tasks, batches and checkpoints all live
// in one file so the whole run is a single ACID unit that can be backed
// up or inspected with any sqlite3 client.
package database

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// Config controls how the SQLite file is opened and pooled.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	BusyTimeoutMs   int
}

// DefaultConfig returns the pooling defaults used when no override is
// supplied. SQLite serializes writers, so the pool is intentionally
// small: one writer, a few idle readers.
func DefaultConfig() *Config {
	return &Config{
		Path:            "flashcards.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		BusyTimeoutMs:   5000,
	}
}

// LoadFromEnv overlays FLASHCARD_DB_PATH on top of the current config.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("FLASHCARD_DB_PATH"); v != "" {
		c.Path = v
	}
}

// Validate rejects configurations Connect would fail on anyway, so
// callers get a clear message before a driver-level error surfaces.
func (c *Config) Validate() error {
	if c.Path == "" {
		return apperrors.NewValidationError("database path is required")
	}
	if c.MaxOpenConns <= 0 {
		return apperrors.NewValidationError("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return apperrors.NewValidationError("max idle connections must be non-negative")
	}
	return nil
}

// DSN builds the sqlite3 driver DSN: WAL journaling for concurrent
// readers during a writer transaction, foreign keys on, and a busy
// timeout so a momentarily-locked file retries instead of erroring.
func (c *Config) DSN() string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d",
		c.Path, c.BusyTimeoutMs)
}

// Connect opens the SQLite file and applies the pool settings. It does
// not run migrations; callers invoke Migrate separately so read-only
// tools can open the file without attempting schema changes.
func Connect(config *Config, logger *logrus.Logger) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid database configuration")
	}

	db, err := sqlx.Connect("sqlite3", config.DSN())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to open sqlite database")
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if logger != nil {
		logger.WithField("path", config.Path).Info("connected to sqlite database")
	}

	return db, nil
}
