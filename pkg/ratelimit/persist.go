package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// Store persists rate-limit accounting so usage survives a process
// restart for observability and quota auditing. x/time/rate keeps no
// public API to rehydrate a bucket's fill level from a saved count
// (see Limiter.Reconcile's doc comment), so Load recovers the last
// known window for reporting rather than resetting the live limiter.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle. The caller owns its lifecycle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Record is one persisted accounting window for a service.
type Record struct {
	Service     string
	WindowStart time.Time
	Requests    int64
	Tokens      int64
}

// Save upserts the current window's accounting for r.Service.
func (s *Store) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_accounting (service, window_start, requests, tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, window_start) DO UPDATE SET
			requests = excluded.requests,
			tokens   = excluded.tokens
	`, r.Service, r.WindowStart, r.Requests, r.Tokens)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to save rate accounting")
	}
	return nil
}

// Load returns the most recently started accounting window for
// service, or nil if none has been saved yet.
func (s *Store) Load(ctx context.Context, service string) (*Record, error) {
	var row struct {
		Service     string    `db:"service"`
		WindowStart time.Time `db:"window_start"`
		Requests    int64     `db:"requests"`
		Tokens      int64     `db:"tokens"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT service, window_start, requests, tokens FROM rate_accounting
		 WHERE service = ? ORDER BY window_start DESC LIMIT 1`, service)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to load rate accounting")
	}
	return &Record{Service: row.Service, WindowStart: row.WindowStart, Requests: row.Requests, Tokens: row.Tokens}, nil
}
