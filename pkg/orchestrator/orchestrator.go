// Package orchestrator is the top-level entry point for a batch run:
// it creates or resumes a batch in the task queue, drives the engine's
// worker pool to completion, and assembles the final BatchReport.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/collector"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/engine"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/logging"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/queue"
)

// ResultSink receives the ordered Stage 2 artifacts as the engine's
// collector drains them. Downstream formatting (TSV/Anki/JSON/PDF) is
// the caller's concern; the orchestrator only guarantees order.
type ResultSink func(results []collector.Result)

// Orchestrator runs batches to completion against a shared queue and
// engine. One Orchestrator can run many batches sequentially; it holds
// no per-batch state between calls.
type Orchestrator struct {
	queue  *queue.Queue
	eng    *engine.Engine
	logger *logrus.Logger

	mu         sync.Mutex
	cancelFns  map[string]context.CancelFunc
}

// New builds an Orchestrator around an already-wired Engine and the
// same Queue the engine was constructed with.
func New(q *queue.Queue, eng *engine.Engine, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		queue:     q,
		eng:       eng,
		logger:    logger,
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// RunBatch creates a new batch from items and runs it to completion
// (or until ctx is cancelled / CancelBatch is called for this batchID).
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string, items []flashcard.VocabItem) (*flashcard.BatchReport, error) {
	if err := o.queue.CreateBatch(ctx, batchID, items, time.Now()); err != nil {
		return nil, err
	}
	return o.run(ctx, batchID, len(items))
}

// ResumeBatch continues a previously started batch, reclaiming any
// tasks left in a non-terminal state and resuming the collector from
// its last saved checkpoint so output order survives a restart.
func (o *Orchestrator) ResumeBatch(ctx context.Context, batchID string) (*flashcard.BatchReport, error) {
	batch, err := o.queue.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, batchID, batch.Total)
}

// CancelBatch requests cooperative cancellation of a running batch.
// Workers finish their current suspension point and leave tasks in a
// consistent, resumable state; CancelBatch does not block for that to
// happen — call ResumeBatch later to confirm final state.
func (o *Orchestrator) CancelBatch(batchID string) {
	o.mu.Lock()
	cancel, ok := o.cancelFns[batchID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) run(ctx context.Context, batchID string, total int) (*flashcard.BatchReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelFns[batchID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancelFns, batchID)
		o.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	result := o.eng.RunBatch(runCtx, batchID)
	elapsed := time.Since(start)

	// The engine's own completed count and quarantine list only cover
	// this RunBatch call; a resumed batch may already carry completed
	// and quarantined tasks from an earlier run. The queue is the
	// durable source of truth for the final report.
	quarantinedItems := result.Quarantined
	if durable, qErr := o.queue.Quarantined(ctx, batchID); qErr == nil {
		quarantinedItems = quarantinedTasksToItems(durable)
	} else if o.logger != nil {
		o.logger.WithFields(logging.EngineFields(batchID, 0).Error(qErr).ToLogrus()).
			Warn("failed to load durable quarantine list, falling back to in-run count")
	}
	completed := result.Completed
	if tasks, tErr := o.queue.Tasks(ctx, batchID); tErr == nil {
		completed = 0
		for _, t := range tasks {
			if t.State == flashcard.TaskCompleted {
				completed++
			}
		}
	}

	status := flashcard.BatchCompleted
	switch {
	case result.FatalErr != nil:
		status = flashcard.BatchFailed
	case len(quarantinedItems) > 0 || completed < total:
		status = flashcard.BatchPartial
	}

	var ended *time.Time
	now := time.Now()
	ended = &now
	if err := o.queue.UpdateBatchCounts(ctx, batchID, completed, result.Failed, len(quarantinedItems), status, ended); err != nil && o.logger != nil {
		o.logger.WithFields(logging.EngineFields(batchID, 0).Error(err).ToLogrus()).
			Warn("failed to persist final batch counts")
	}

	report := &flashcard.BatchReport{
		BatchID:          batchID,
		TotalItems:       total,
		Completed:        completed,
		Failed:           result.Failed,
		Quarantined:      len(quarantinedItems),
		TokensUsed:       result.TokensUsed,
		CacheHits:        result.CacheHits,
		Elapsed:          elapsed,
		Status:           status,
		QuarantinedItems: quarantinedItems,
	}

	if result.FatalErr != nil {
		return report, apperrors.Wrap(result.FatalErr, apperrors.GetType(result.FatalErr), "batch aborted")
	}
	return report, nil
}

// quarantinedTasksToItems adapts the queue's durable task rows to the
// report-shaped QuarantinedItem list.
func quarantinedTasksToItems(tasks []flashcard.Task) []flashcard.QuarantinedItem {
	items := make([]flashcard.QuarantinedItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, flashcard.QuarantinedItem{
			Position:  t.Position,
			Term:      t.Term,
			ErrorKind: t.LastErrorKind,
			Attempts:  t.RetryCount + 1,
		})
	}
	return items
}
