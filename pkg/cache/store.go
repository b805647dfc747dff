package cache

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// store is the durable L2 layer: one row per fingerprint in the shared
// SQLite file. It never evicts on its own; invalidation and size-bound
// eviction are both explicit, driven by the Manager.
type store struct {
	db *sqlx.DB
}

func newStore(db *sqlx.DB) *store {
	return &store{db: db}
}

type entryRow struct {
	Fingerprint  string    `db:"fingerprint"`
	Stage        int       `db:"stage"`
	Codec        string    `db:"codec"`
	Payload      []byte    `db:"payload"`
	ExternalPath *string   `db:"external_path"`
	TokensUsed   int       `db:"tokens_used"`
	AccessCount  int64     `db:"access_count"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (s *store) get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT fingerprint, stage, codec, payload, external_path, tokens_used, access_count, created_at, updated_at
		 FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, false, nil
		}
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store get")
	}

	if _, execErr := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1 WHERE fingerprint = ?`, fingerprint); execErr != nil {
		return nil, false, apperrors.Wrap(execErr, apperrors.ErrorTypePersistence, "cache store touch")
	}

	payload, err := Decompress(Codec(row.Codec), row.Payload)
	if err != nil {
		return nil, false, err
	}

	e := &Entry{
		Fingerprint: row.Fingerprint,
		Stage:       row.Stage,
		Codec:       Codec(row.Codec),
		Payload:     payload,
		TokensUsed:  row.TokensUsed,
		AccessCount: row.AccessCount + 1,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.ExternalPath != nil {
		e.ExternalPath = *row.ExternalPath
	}
	return e, true, nil
}

func (s *store) put(ctx context.Context, fingerprint string, stage int, codec Codec, compressed []byte, tokensUsed int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, stage, codec, payload, tokens_used, access_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			stage = excluded.stage,
			codec = excluded.codec,
			payload = excluded.payload,
			tokens_used = excluded.tokens_used,
			updated_at = excluded.updated_at
	`, fingerprint, stage, string(codec), compressed, tokensUsed, now, now)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store put")
	}
	return nil
}

func (s *store) invalidate(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store invalidate")
	}
	return nil
}

// InvalidateFilter selects which cache entries Manager.InvalidateMatching
// removes. A zero-value field means "don't filter on this dimension";
// an all-zero filter matches every entry.
type InvalidateFilter struct {
	Fingerprint string
	OlderThan   time.Time
	MinBytes    int64
	Stage       int
}

func (f InvalidateFilter) where() (string, []any) {
	clause := "1 = 1"
	var args []any
	if f.Fingerprint != "" {
		clause += " AND fingerprint = ?"
		args = append(args, f.Fingerprint)
	}
	if !f.OlderThan.IsZero() {
		clause += " AND updated_at < ?"
		args = append(args, f.OlderThan)
	}
	if f.MinBytes > 0 {
		clause += " AND LENGTH(payload) >= ?"
		args = append(args, f.MinBytes)
	}
	if f.Stage > 0 {
		clause += " AND stage = ?"
		args = append(args, f.Stage)
	}
	return clause, args
}

// findMatching returns the fingerprints of every entry matching filter,
// so the Manager can evict them from its in-memory layers too.
func (s *store) findMatching(ctx context.Context, filter InvalidateFilter) ([]string, error) {
	clause, args := filter.where()
	var fingerprints []string
	err := s.db.SelectContext(ctx, &fingerprints, "SELECT fingerprint FROM cache_entries WHERE "+clause, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store find matching")
	}
	return fingerprints, nil
}

// deleteMatching removes every entry matching filter and returns how
// many rows were removed.
func (s *store) deleteMatching(ctx context.Context, filter InvalidateFilter) (int64, error) {
	clause, args := filter.where()
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE "+clause, args...)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store delete matching")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *store) deleteFingerprints(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM cache_entries WHERE fingerprint IN (?)`, fingerprints)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store build delete")
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store delete fingerprints")
	}
	return nil
}

// countAndBytes reports the durable store's entry count and total
// stored payload size, for Manager.Snapshot.
func (s *store) countAndBytes(ctx context.Context) (int64, int64, error) {
	var row struct {
		Count int64 `db:"count"`
		Bytes int64 `db:"bytes"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS count, COALESCE(SUM(LENGTH(payload)), 0) AS bytes FROM cache_entries`)
	if err != nil {
		return 0, 0, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store count and bytes")
	}
	return row.Count, row.Bytes, nil
}

// evictToFit removes the least-recently-updated non-pinned entries
// until the store's total payload size is at or under maxBytes. Pinned
// fingerprints (entries that crossed HotThreshold) are never evicted
// here; the durable store is their layer of record.
func (s *store) evictToFit(ctx context.Context, maxBytes int64, pinned map[string]bool) (int64, error) {
	_, total, err := s.countAndBytes(ctx)
	if err != nil {
		return 0, err
	}
	if total <= maxBytes {
		return 0, nil
	}

	var rows []struct {
		Fingerprint string `db:"fingerprint"`
		Size        int64  `db:"size"`
	}
	err = s.db.SelectContext(ctx, &rows,
		`SELECT fingerprint, LENGTH(payload) AS size FROM cache_entries ORDER BY updated_at ASC`)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "cache store list for eviction")
	}

	var toDelete []string
	for _, r := range rows {
		if total <= maxBytes {
			break
		}
		if pinned[r.Fingerprint] {
			continue
		}
		toDelete = append(toDelete, r.Fingerprint)
		total -= r.Size
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.deleteFingerprints(ctx, toDelete); err != nil {
		return 0, err
	}
	return int64(len(toDelete)), nil
}
