package breaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// Store persists circuit breaker state so an operator (or the next
// process) can see, after a restart, which service was open and how it
// was trending. gobreaker keeps no public constructor for resuming a
// breaker mid-window, so Load recovers the last snapshot for reporting
// rather than rehydrating a live gobreaker.CircuitBreaker.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle. The caller owns its lifecycle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Record is one persisted breaker snapshot for a service.
type Record struct {
	Service     string
	State       string
	WindowStart time.Time
	Failures    int64
	Successes   int64
	OpenedAt    *time.Time
}

// Save upserts service's current state and counts.
func (s *Store) Save(ctx context.Context, service string, state gobreaker.State, counts gobreaker.Counts, windowStart time.Time, openedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_state (service, state, window_start, failures, successes, opened_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			state        = excluded.state,
			window_start = excluded.window_start,
			failures     = excluded.failures,
			successes    = excluded.successes,
			opened_at    = excluded.opened_at
	`, service, state.String(), windowStart, counts.TotalFailures, counts.TotalSuccesses, openedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to save breaker state")
	}
	return nil
}

// Load returns the last persisted snapshot for service, or nil if none
// has been saved yet.
func (s *Store) Load(ctx context.Context, service string) (*Record, error) {
	var row struct {
		Service     string       `db:"service"`
		State       string       `db:"state"`
		WindowStart time.Time    `db:"window_start"`
		Failures    int64        `db:"failures"`
		Successes   int64        `db:"successes"`
		OpenedAt    sql.NullTime `db:"opened_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT service, state, window_start, failures, successes, opened_at FROM breaker_state WHERE service = ?`, service)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to load breaker state")
	}
	rec := &Record{
		Service:     row.Service,
		State:       row.State,
		WindowStart: row.WindowStart,
		Failures:    row.Failures,
		Successes:   row.Successes,
	}
	if row.OpenedAt.Valid {
		rec.OpenedAt = &row.OpenedAt.Time
	}
	return rec, nil
}
