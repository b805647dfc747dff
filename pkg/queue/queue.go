// Package queue is the durable task store: every vocabulary item
// submitted to a batch becomes a row here, and the engine's workers
// claim rows, advance their state, and checkpoint batch progress
// against it. Backed by the same SQLite database as pkg/cache.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
)

// Queue is the durable task/batch/checkpoint store.
type Queue struct {
	db *sqlx.DB
}

// New wraps an open database handle. Schema is expected to already be
// migrated (internal/database.Migrate).
func New(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

type taskRow struct {
	TaskID            string         `db:"task_id"`
	BatchID           string         `db:"batch_id"`
	Position          int            `db:"position"`
	Term              string         `db:"term"`
	Type              sql.NullString `db:"type"`
	State             string         `db:"state"`
	RetryCount         int            `db:"retry_count"`
	LastError         sql.NullString `db:"last_error"`
	LastErrorKind     sql.NullString `db:"last_error_kind"`
	Stage1Fingerprint sql.NullString `db:"stage1_fingerprint"`
	Stage2Fingerprint sql.NullString `db:"stage2_fingerprint"`
	ClaimToken        sql.NullString `db:"claim_token"`
	ClaimedAt         sql.NullTime   `db:"claimed_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() flashcard.Task {
	t := flashcard.Task{
		TaskID:            r.TaskID,
		BatchID:           r.BatchID,
		Position:          r.Position,
		Term:              r.Term,
		State:             flashcard.TaskState(r.State),
		RetryCount:        r.RetryCount,
		LastError:         r.LastError.String,
		LastErrorKind:     r.LastErrorKind.String,
		Stage1Fingerprint: r.Stage1Fingerprint.String,
		Stage2Fingerprint: r.Stage2Fingerprint.String,
		ClaimToken:        r.ClaimToken.String,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Type.Valid {
		v := r.Type.String
		t.Type = &v
	}
	if r.ClaimedAt.Valid {
		v := r.ClaimedAt.Time
		t.ClaimedAt = &v
	}
	return t
}

// CreateBatch inserts a new batch header and one task row per item.
// item.Position must already be validated unique within the batch.
func (q *Queue) CreateBatch(ctx context.Context, batchID string, items []flashcard.VocabItem, now time.Time) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to begin batch creation transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, total, completed, failed, quarantined, status, started_at)
		 VALUES (?, ?, 0, 0, 0, ?, ?)`,
		batchID, len(items), flashcard.BatchPending, now,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to insert batch")
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO tasks (task_id, batch_id, position, term, type, state, retry_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to prepare task insert")
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, taskID(batchID, item.Position), batchID, item.Position, item.Term, item.Type, flashcard.TaskPending, now); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to insert task")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to commit batch creation")
	}
	return nil
}

// taskID derives a stable task identifier from batch and position,
// so resuming a batch re-creates the same IDs as the original run.
func taskID(batchID string, position int) string {
	return batchID + ":" + itoa(position)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ErrNoTasksAvailable is returned by Claim when every pending task in
// the batch is already claimed or done.
var ErrNoTasksAvailable = errors.New("queue: no tasks available to claim")

// Claim atomically picks up to n pending tasks (or tasks whose claim
// has expired past staleAfter) for batchID, stamps them with
// claimToken and claimedAt=now, and returns them in position order.
func (q *Queue) Claim(ctx context.Context, batchID, claimToken string, n int, now time.Time, staleAfter time.Duration) ([]flashcard.Task, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	staleBefore := now.Add(-staleAfter)
	var rows []taskRow
	err = tx.SelectContext(ctx, &rows,
		`SELECT task_id, batch_id, position, term, type, state, retry_count, last_error,
		        last_error_kind, stage1_fingerprint, stage2_fingerprint, claim_token, claimed_at, updated_at
		 FROM tasks
		 WHERE batch_id = ?
		   AND state NOT IN (?, ?, ?)
		   AND (claim_token IS NULL OR claimed_at < ?)
		   AND (state != ? OR deferred_until <= ?)
		 ORDER BY position ASC
		 LIMIT ?`,
		batchID, flashcard.TaskCompleted, flashcard.TaskFailed, flashcard.TaskQuarantined, staleBefore,
		flashcard.TaskDeferred, now, n,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to select claimable tasks")
	}
	if len(rows) == 0 {
		return nil, ErrNoTasksAvailable
	}

	stmt, err := tx.PreparexContext(ctx, `UPDATE tasks SET claim_token = ?, claimed_at = ?, updated_at = ? WHERE task_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to prepare claim update")
	}
	defer stmt.Close()

	tasks := make([]flashcard.Task, 0, len(rows))
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, claimToken, now, now, r.TaskID); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to claim task")
		}
		r.ClaimToken = sql.NullString{String: claimToken, Valid: true}
		r.ClaimedAt = sql.NullTime{Time: now, Valid: true}
		tasks = append(tasks, r.toTask())
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to commit claim")
	}
	return tasks, nil
}

// Advance transitions a claimed task to a new state, optionally
// recording fingerprints and/or a terminal error. now becomes the new
// updated_at.
func (q *Queue) Advance(ctx context.Context, taskID string, state flashcard.TaskState, stage1Fingerprint, stage2Fingerprint string, lastErr apperrors.ErrorType, lastErrMsg string, now time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks
		 SET state = ?, stage1_fingerprint = COALESCE(NULLIF(?, ''), stage1_fingerprint),
		     stage2_fingerprint = COALESCE(NULLIF(?, ''), stage2_fingerprint),
		     last_error = NULLIF(?, ''), last_error_kind = NULLIF(?, ''), updated_at = ?
		 WHERE task_id = ?`,
		string(state), stage1Fingerprint, stage2Fingerprint, lastErrMsg, string(lastErr), now, taskID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to advance task")
	}
	return nil
}

// Defer transitions a task back to a reclaimable state after an
// open-breaker rejection: retry_count is left untouched (this is not a
// retry attempt, the breaker itself is what's recovering) and the task
// stays unclaimable until deferredUntil passes.
func (q *Queue) Defer(ctx context.Context, taskID string, deferredUntil, now time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, claim_token = NULL, claimed_at = NULL, deferred_until = ?, updated_at = ? WHERE task_id = ?`,
		string(flashcard.TaskDeferred), deferredUntil, now, taskID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to defer task")
	}
	return nil
}

// Quarantined returns every permanently-quarantined task in a batch,
// in position order. The engine's own quarantine report only covers
// items quarantined during the current RunBatch call; this is the
// durable source of truth a resumed or re-reported batch reads from.
func (q *Queue) Quarantined(ctx context.Context, batchID string) ([]flashcard.Task, error) {
	var rows []taskRow
	err := q.db.SelectContext(ctx, &rows,
		`SELECT task_id, batch_id, position, term, type, state, retry_count, last_error,
		        last_error_kind, stage1_fingerprint, stage2_fingerprint, claim_token, claimed_at, updated_at
		 FROM tasks WHERE batch_id = ? AND state = ? ORDER BY position ASC`,
		batchID, flashcard.TaskQuarantined)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to list quarantined tasks")
	}
	tasks := make([]flashcard.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// IncrementRetry bumps a task's retry_count, used by the engine before
// re-enqueuing a retryable failure.
func (q *Queue) IncrementRetry(ctx context.Context, taskID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET retry_count = retry_count + 1, claim_token = NULL, claimed_at = NULL, updated_at = ? WHERE task_id = ?`,
		now, taskID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to increment retry count")
	}
	return nil
}

// UpdateBatchCounts refreshes the aggregate counters on a batch header.
func (q *Queue) UpdateBatchCounts(ctx context.Context, batchID string, completed, failed, quarantined int, status flashcard.BatchStatus, endedAt *time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE batches SET completed = ?, failed = ?, quarantined = ?, status = ?, ended_at = ? WHERE batch_id = ?`,
		completed, failed, quarantined, string(status), endedAt, batchID,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to update batch counts")
	}
	return nil
}

// Tasks returns every task for a batch ordered by position, used to
// rebuild the collector's view of a resumed batch.
func (q *Queue) Tasks(ctx context.Context, batchID string) ([]flashcard.Task, error) {
	var rows []taskRow
	err := q.db.SelectContext(ctx, &rows,
		`SELECT task_id, batch_id, position, term, type, state, retry_count, last_error,
		        last_error_kind, stage1_fingerprint, stage2_fingerprint, claim_token, claimed_at, updated_at
		 FROM tasks WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to list tasks")
	}
	tasks := make([]flashcard.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// Batch returns the current batch header.
func (q *Queue) Batch(ctx context.Context, batchID string) (*flashcard.Batch, error) {
	var row struct {
		BatchID     string         `db:"batch_id"`
		Total       int            `db:"total"`
		Completed   int            `db:"completed"`
		Failed      int            `db:"failed"`
		Quarantined int            `db:"quarantined"`
		Status      string         `db:"status"`
		StartedAt   time.Time      `db:"started_at"`
		EndedAt     sql.NullTime   `db:"ended_at"`
	}
	err := q.db.GetContext(ctx, &row, `SELECT * FROM batches WHERE batch_id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("batch not found: " + batchID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to load batch")
	}
	b := &flashcard.Batch{
		BatchID:     row.BatchID,
		Total:       row.Total,
		Completed:   row.Completed,
		Failed:      row.Failed,
		Quarantined: row.Quarantined,
		Status:      flashcard.BatchStatus(row.Status),
		StartedAt:   row.StartedAt,
	}
	if row.EndedAt.Valid {
		v := row.EndedAt.Time
		b.EndedAt = &v
	}
	return b, nil
}

// SaveCheckpoint upserts the resume point for a batch.
func (q *Queue) SaveCheckpoint(ctx context.Context, cp flashcard.Checkpoint) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO checkpoints (batch_id, last_contiguous_position, last_processed_task_id, completed_count, failed_count, quarantined_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id) DO UPDATE SET
		   last_contiguous_position = excluded.last_contiguous_position,
		   last_processed_task_id   = excluded.last_processed_task_id,
		   completed_count          = excluded.completed_count,
		   failed_count             = excluded.failed_count,
		   quarantined_count        = excluded.quarantined_count,
		   created_at               = excluded.created_at`,
		cp.BatchID, cp.LastContiguousPosition, cp.LastProcessedTaskID, cp.CompletedCount, cp.FailedCount, cp.QuarantinedCount, cp.CreatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to save checkpoint")
	}
	return nil
}

type checkpointRow struct {
	BatchID                string    `db:"batch_id"`
	LastContiguousPosition int       `db:"last_contiguous_position"`
	LastProcessedTaskID    string    `db:"last_processed_task_id"`
	CompletedCount         int       `db:"completed_count"`
	FailedCount            int       `db:"failed_count"`
	QuarantinedCount       int       `db:"quarantined_count"`
	CreatedAt              time.Time `db:"created_at"`
}

// LoadCheckpoint returns the saved resume point for a batch, or
// (nil, nil) if the batch was never checkpointed.
func (q *Queue) LoadCheckpoint(ctx context.Context, batchID string) (*flashcard.Checkpoint, error) {
	var row checkpointRow
	err := q.db.GetContext(ctx, &row,
		`SELECT batch_id, last_contiguous_position, last_processed_task_id,
		        completed_count, failed_count, quarantined_count, created_at
		 FROM checkpoints WHERE batch_id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePersistence, "failed to load checkpoint")
	}
	return &flashcard.Checkpoint{
		BatchID:                row.BatchID,
		LastContiguousPosition: row.LastContiguousPosition,
		LastProcessedTaskID:    row.LastProcessedTaskID,
		CompletedCount:         row.CompletedCount,
		FailedCount:            row.FailedCount,
		QuarantinedCount:       row.QuarantinedCount,
		CreatedAt:              row.CreatedAt,
	}, nil
}
