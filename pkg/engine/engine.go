// Package engine runs the bounded worker pool that drives every task
// through the two-stage pipeline: claim, Stage 1 (cache or LLM call),
// Stage 2 (cache or LLM call), submit to the ordered collector, advance
// to a terminal task state. It composes pkg/cache, pkg/ratelimit,
// pkg/breaker, pkg/retry, pkg/llm, pkg/queue and pkg/collector; it owns
// none of their state.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/breaker"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/cache"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/collector"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/llm"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/logging"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/queue"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/ratelimit"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/retry"
)

// estimatedTokensPerCall sizes the rate limiter's pre-call reservation;
// Reconcile corrects the bucket against the provider's reported usage
// once the real figure is known.
const estimatedTokensPerCall = 1500

// staleClaimAfter is how long a claim is honored before another worker
// may reclaim the task, guarding against a crashed worker holding a
// task forever.
const staleClaimAfter = 5 * time.Minute

// Sink receives a batch of positionally-contiguous results as the
// collector's cursor advances. The caller of New supplies this.
type Sink func(results []collector.Result)

// Config bundles the tunables RunBatch needs beyond what's already
// captured in the wired dependencies.
type Config struct {
	Workers        int
	MaxRetries     int
	Stage1Timeout  time.Duration
	Stage2Timeout  time.Duration
	ItemTimeout    time.Duration
	CheckpointEveryN int
}

// Engine wires the reliability and persistence layers around the LLM
// client and runs batches to completion.
type Engine struct {
	cfg Config

	queue      *queue.Queue
	cacheMgr   *cache.Manager
	collector  *collector.Collector
	stage1Lim  *ratelimit.Limiter
	stage2Lim  *ratelimit.Limiter
	breakers   *breaker.Manager
	retrier    *retry.Retrier
	llmClient  *llm.Client
	logger     *logrus.Logger
	sink       Sink

	rateStore    *ratelimit.Store
	breakerStore *breaker.Store

	mu          sync.Mutex
	tokensUsed  int64
	cacheHits   map[int]int
	quarantined []flashcard.QuarantinedItem
	completed   int
	failed      int
}

// New builds an Engine from its fully constructed dependencies. The
// caller owns each dependency's lifecycle (closing the database,
// flushing the logger, etc.).
func New(cfg Config, q *queue.Queue, cacheMgr *cache.Manager, col *collector.Collector,
	stage1Lim, stage2Lim *ratelimit.Limiter, breakers *breaker.Manager, retrier *retry.Retrier,
	llmClient *llm.Client, logger *logrus.Logger, sink Sink) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:       cfg,
		queue:     q,
		cacheMgr:  cacheMgr,
		collector: col,
		stage1Lim: stage1Lim,
		stage2Lim: stage2Lim,
		breakers:  breakers,
		retrier:   retrier,
		llmClient: llmClient,
		logger:    logger,
		sink:      sink,
		cacheHits: make(map[int]int),
	}
}

// SetPersistence wires durable accounting stores for the rate limiters
// and circuit breakers. It's optional: an Engine built without it still
// runs batches correctly, it just doesn't survive a restart with its
// rate/breaker history intact. main.go calls this; tests that only
// exercise core batch processing don't need to.
func (e *Engine) SetPersistence(rateStore *ratelimit.Store, breakerStore *breaker.Store) {
	e.rateStore = rateStore
	e.breakerStore = breakerStore
}

// persistReliabilityState snapshots both limiters' cumulative accounting
// and both breakers' current state/counts to the durable stores, if
// SetPersistence was called. Best-effort: a failure here never aborts
// the batch, it just logs.
func (e *Engine) persistReliabilityState(ctx context.Context) {
	if e.rateStore != nil {
		for _, lim := range []*ratelimit.Limiter{e.stage1Lim, e.stage2Lim} {
			if lim == nil {
				continue
			}
			if err := e.rateStore.Save(ctx, lim.Accounting()); err != nil && e.logger != nil {
				e.logger.WithFields(logging.EngineFields("", 0).Error(err).ToLogrus()).
					Warn("failed to persist rate accounting")
			}
		}
	}
	if e.breakerStore != nil {
		now := time.Now()
		for _, service := range []string{"stage1", "stage2"} {
			state := e.breakers.State(service)
			counts := e.breakers.Counts(service)
			if err := e.breakerStore.Save(ctx, service, state, counts, now, e.breakers.OpenedAt(service)); err != nil && e.logger != nil {
				e.logger.WithFields(logging.EngineFields("", 0).Error(err).ToLogrus()).
					Warn("failed to persist breaker state")
			}
		}
	}
}

// RunResult summarizes what one RunBatch call produced, for the
// orchestrator to fold into a flashcard.BatchReport.
type RunResult struct {
	TokensUsed  int64
	CacheHits   map[int]int
	Completed   int
	Failed      int
	Quarantined []flashcard.QuarantinedItem
	FatalErr    error
}

// RunBatch claims tasks from batchID until none remain pending or
// claimable, processing up to cfg.Workers concurrently. It returns once
// the batch is exhausted, ctx is cancelled, or a Fatal-classified error
// aborts the run.
func (e *Engine) RunBatch(ctx context.Context, batchID string) RunResult {
	e.mu.Lock()
	e.tokensUsed = 0
	e.cacheHits = make(map[int]int)
	e.quarantined = nil
	e.completed = 0
	e.failed = 0
	e.mu.Unlock()

	claimToken := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	var fatalOnce sync.Once
	var fatalErr error
	recordFatal := func(err error) {
		fatalOnce.Do(func() { fatalErr = err })
	}

	processedSinceCheckpoint := 0

claimLoop:
	for {
		select {
		case <-gctx.Done():
			break claimLoop
		default:
		}
		if fatalErr != nil {
			break
		}

		tasks, err := e.queue.Claim(gctx, batchID, claimToken, e.cfg.Workers, time.Now(), staleClaimAfter)
		if err == queue.ErrNoTasksAvailable {
			break
		}
		if err != nil {
			recordFatal(err)
			break
		}

		for _, task := range tasks {
			task := task
			g.Go(func() error {
				if err := e.processItem(gctx, task); err != nil {
					if apperrors.Classify(err) == apperrors.ClassFatal {
						recordFatal(err)
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			recordFatal(err)
		}
		g, gctx = errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)

		processedSinceCheckpoint += len(tasks)
		if e.cfg.CheckpointEveryN > 0 && processedSinceCheckpoint >= e.cfg.CheckpointEveryN {
			e.flushAndCheckpoint(ctx, batchID)
			processedSinceCheckpoint = 0
		}
	}

	_ = g.Wait()
	e.flushAndCheckpoint(ctx, batchID)

	e.mu.Lock()
	defer e.mu.Unlock()
	return RunResult{
		TokensUsed:  e.tokensUsed,
		CacheHits:   e.cacheHits,
		Completed:   e.completed,
		Failed:      e.failed,
		Quarantined: e.quarantined,
		FatalErr:    fatalErr,
	}
}

// flushAndCheckpoint drains every contiguous result currently available
// to the sink and persists a resume point at the collector's cursor.
func (e *Engine) flushAndCheckpoint(ctx context.Context, batchID string) {
	drained := e.collector.Drain()
	if len(drained) > 0 && e.sink != nil {
		e.sink(drained)
	}

	e.persistReliabilityState(ctx)
	if _, err := e.cacheMgr.EnforceMaxBytes(ctx); err != nil && e.logger != nil {
		e.logger.WithFields(logging.EngineFields(batchID, 0).Error(err).ToLogrus()).
			Warn("failed to enforce cache byte budget")
	}

	var lastTaskID string
	if len(drained) > 0 {
		last := drained[len(drained)-1]
		lastTaskID = taskIDFor(batchID, last.Position)
	}

	e.mu.Lock()
	cp := flashcard.Checkpoint{
		BatchID:                batchID,
		LastContiguousPosition: e.collector.NextExpected() - 1,
		LastProcessedTaskID:    lastTaskID,
		CompletedCount:         e.completed,
		FailedCount:            e.failed,
		QuarantinedCount:       len(e.quarantined),
		CreatedAt:              time.Now(),
	}
	e.mu.Unlock()

	if err := e.queue.SaveCheckpoint(ctx, cp); err != nil && e.logger != nil {
		e.logger.WithFields(logging.EngineFields(batchID, cp.LastContiguousPosition).Error(err).ToLogrus()).
			Warn("failed to save checkpoint")
	}
}

func taskIDFor(batchID string, position int) string {
	return batchID + ":" + itoa(position)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// processItem runs the full per-item algorithm for one claimed task:
// Stage 1, Stage 2, collector submit, terminal task state. It never
// lets an error cross the task boundary uncategorized — every outcome
// ends in a state transition, except a Fatal-classified error which is
// also returned so RunBatch can abort the batch.
func (e *Engine) processItem(ctx context.Context, task flashcard.Task) error {
	itemCtx, cancel := context.WithTimeout(ctx, e.itemTimeout())
	defer cancel()

	normalizedType := flashcard.NormalizeTypeHint(task.Type)

	stage1, hit1, err := e.resolveStage1(itemCtx, task, normalizedType)
	if hit1 {
		e.bumpCacheHit(1)
	}
	if err != nil {
		return e.failItem(ctx, task, err)
	}

	fp1 := cache.Stage1Fingerprint(task.Term, normalizedType)
	if err := e.queue.Advance(ctx, task.TaskID, flashcard.TaskCompletedStage1, fp1, "", "", "", time.Now()); err != nil {
		return e.failItem(ctx, task, err)
	}

	stage2, hit2, err := e.resolveStage2(itemCtx, task, stage1, fp1)
	if hit2 {
		e.bumpCacheHit(2)
	}
	if err != nil {
		return e.failItem(ctx, task, err)
	}

	fp2 := cache.Stage2Fingerprint(task.Term, normalizedType, fp1)
	e.collector.Submit(collector.Result{Position: task.Position, Payload: stage2})

	if err := e.queue.Advance(ctx, task.TaskID, flashcard.TaskCompleted, "", fp2, "", "", time.Now()); err != nil {
		return e.failItem(ctx, task, err)
	}

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	return nil
}

func (e *Engine) itemTimeout() time.Duration {
	if e.cfg.ItemTimeout <= 0 {
		return 90 * time.Second
	}
	return e.cfg.ItemTimeout
}

type stage1Result struct {
	artifact *flashcard.Stage1Artifact
	usage    llm.Usage
}

type stage2Result struct {
	artifact *flashcard.Stage2Artifact
	usage    llm.Usage
}

// resolveStage1 resolves the Stage 1 artifact from cache, computing it
// through retry+breaker+limiter+LLM on a miss.
func (e *Engine) resolveStage1(ctx context.Context, task flashcard.Task, normalizedType string) (*flashcard.Stage1Artifact, bool, error) {
	fp := cache.Stage1Fingerprint(task.Term, normalizedType)

	payload, hit, err := e.cacheMgr.GetOrCompute(ctx, fp, 1, func(ctx context.Context) ([]byte, int, error) {
		op := func(ctx context.Context, attempt int) (any, error) {
			if err := e.stage1Lim.Acquire(ctx, estimatedTokensPerCall); err != nil {
				return nil, err
			}
			res, err := e.breakers.Execute(ctx, "stage1", func(ctx context.Context) (interface{}, error) {
				stageCtx, cancel := context.WithTimeout(ctx, e.stage1Timeout())
				defer cancel()
				artifact, usage, err := e.llmClient.Stage1(stageCtx, task.Term, normalizedType, 0)
				if err != nil {
					return nil, err
				}
				return stage1Result{artifact: artifact, usage: usage}, nil
			})
			if err != nil {
				return nil, err
			}
			sr := res.(stage1Result)
			e.stage1Lim.Reconcile(sr.usage.TotalTokens)
			return sr, nil
		}

		v, err := e.retrier.Execute(ctx, op)
		if err != nil {
			return nil, 0, err
		}
		sr := v.(stage1Result)
		e.trackTokens(sr.usage.TotalTokens)
		data, mErr := json.Marshal(sr.artifact)
		if mErr != nil {
			return nil, 0, mErr
		}
		return data, sr.usage.TotalTokens, nil
	})
	if err != nil {
		return nil, false, err
	}

	var artifact flashcard.Stage1Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, hit, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode cached stage 1 artifact")
	}
	return &artifact, hit, nil
}

func (e *Engine) stage1Timeout() time.Duration {
	if e.cfg.Stage1Timeout <= 0 {
		return 30 * time.Second
	}
	return e.cfg.Stage1Timeout
}

// resolveStage2 resolves the Stage 2 artifact from cache, computing it
// through retry+breaker+limiter+LLM on a miss.
func (e *Engine) resolveStage2(ctx context.Context, task flashcard.Task, stage1 *flashcard.Stage1Artifact, fp1 string) (*flashcard.Stage2Artifact, bool, error) {
	fp := cache.Stage2Fingerprint(task.Term, flashcard.NormalizeTypeHint(task.Type), fp1)

	payload, hit, err := e.cacheMgr.GetOrCompute(ctx, fp, 2, func(ctx context.Context) ([]byte, int, error) {
		op := func(ctx context.Context, attempt int) (any, error) {
			if err := e.stage2Lim.Acquire(ctx, estimatedTokensPerCall); err != nil {
				return nil, err
			}
			res, err := e.breakers.Execute(ctx, "stage2", func(ctx context.Context) (interface{}, error) {
				stageCtx, cancel := context.WithTimeout(ctx, e.stage2Timeout())
				defer cancel()
				artifact, usage, err := e.llmClient.Stage2(stageCtx, task.Position, stage1, 0)
				if err != nil {
					return nil, err
				}
				return stage2Result{artifact: artifact, usage: usage}, nil
			})
			if err != nil {
				return nil, err
			}
			sr := res.(stage2Result)
			e.stage2Lim.Reconcile(sr.usage.TotalTokens)
			return sr, nil
		}

		v, err := e.retrier.Execute(ctx, op)
		if err != nil {
			return nil, 0, err
		}
		sr := v.(stage2Result)
		e.trackTokens(sr.usage.TotalTokens)
		data, mErr := json.Marshal(sr.artifact)
		if mErr != nil {
			return nil, 0, mErr
		}
		return data, sr.usage.TotalTokens, nil
	})
	if err != nil {
		return nil, false, err
	}

	var artifact flashcard.Stage2Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, hit, apperrors.Wrap(err, apperrors.ErrorTypeInvalidResponse, "failed to decode cached stage 2 artifact")
	}
	return &artifact, hit, nil
}

func (e *Engine) stage2Timeout() time.Duration {
	if e.cfg.Stage2Timeout <= 0 {
		return 30 * time.Second
	}
	return e.cfg.Stage2Timeout
}

// failItem converts a failed Stage 1/2 resolution into a task state
// transition: re-enqueue to Pending for another claim cycle while
// retry_count stays under the configured ceiling, otherwise Quarantine.
// A Fatal classification is returned unchanged so RunBatch aborts the
// whole batch instead of treating it as one item's problem.
func (e *Engine) failItem(ctx context.Context, task flashcard.Task, cause error) error {
	class := apperrors.Classify(cause)
	kind := apperrors.GetType(cause)
	now := time.Now()

	if class == apperrors.ClassFatal {
		_ = e.queue.Advance(ctx, task.TaskID, flashcard.TaskFailed, "", "", kind, cause.Error(), now)
		return cause
	}

	if class == apperrors.ClassDeferredBatch {
		// The circuit is open, not this item's fault. Park it at the
		// batch level until break_duration has elapsed instead of
		// burning a retry attempt or quarantining it outright.
		deferredUntil := now.Add(e.breakers.BreakDuration())
		if err := e.queue.Defer(ctx, task.TaskID, deferredUntil, now); err != nil && e.logger != nil {
			e.logger.WithFields(logging.EngineFields(task.BatchID, task.Position).Error(err).ToLogrus()).
				Warn("failed to defer task past open breaker")
		}
		return nil
	}

	maxRetries := e.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	if task.RetryCount+1 >= maxRetries {
		e.collector.MarkSkipped(task.Position, cause.Error())
		if err := e.queue.Advance(ctx, task.TaskID, flashcard.TaskQuarantined, "", "", kind, cause.Error(), now); err != nil && e.logger != nil {
			e.logger.WithFields(logging.EngineFields(task.BatchID, task.Position).Error(err).ToLogrus()).
				Warn("failed to advance quarantined task")
		}
		e.mu.Lock()
		e.failed++
		e.quarantined = append(e.quarantined, flashcard.QuarantinedItem{
			Position:  task.Position,
			Term:      task.Term,
			ErrorKind: string(kind),
			Attempts:  task.RetryCount + 1,
		})
		e.mu.Unlock()
		return nil
	}

	if err := e.queue.Advance(ctx, task.TaskID, flashcard.TaskFailed, "", "", kind, cause.Error(), now); err != nil {
		return err
	}
	if err := e.queue.IncrementRetry(ctx, task.TaskID, now); err != nil {
		return err
	}
	// IncrementRetry clears the claim and bumps updated_at, but leaves
	// state at Failed; RunBatch's next Claim only picks up non-terminal
	// states, so flip it back to Pending for reclaim.
	return e.queue.Advance(ctx, task.TaskID, flashcard.TaskPending, "", "", "", "", now)
}

func (e *Engine) bumpCacheHit(stage int) {
	e.mu.Lock()
	e.cacheHits[stage]++
	e.mu.Unlock()
}

func (e *Engine) trackTokens(n int) {
	e.mu.Lock()
	e.tokensUsed += int64(n)
	e.mu.Unlock()
}
