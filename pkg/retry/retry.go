// Package retry implements the pipeline's retry executor: bounded
// exponential backoff driven by the error classifier in internal/errors
// rather than string-matched error messages, so a terminal error (bad
// schema, auth failure) fails fast while a transient one (timeout,
// 5xx, rate limit) gets retried with jitter.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/logging"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultConfig matches the spec's default retry envelope: three
// attempts, 500ms base delay, 30s cap, full jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Operation is one attempt of the work being retried. attempt is
// 1-indexed.
type Operation func(ctx context.Context, attempt int) (any, error)

// Retrier executes an Operation under Config, consulting
// internal/errors.Classify to decide whether a failure is worth
// retrying.
type Retrier struct {
	config Config
	logger *logrus.Logger
}

// NewRetrier builds a Retrier. A nil logger disables logging, not
// retrying.
func NewRetrier(config Config, logger *logrus.Logger) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Retrier{config: config, logger: logger}
}

// Execute runs op, retrying retryable failures up to MaxAttempts times.
// The returned error carries the full attempt history so callers and
// logs can see every delay and failure that led to the final outcome.
func (r *Retrier) Execute(ctx context.Context, op Operation) (any, error) {
	var attempts []apperrors.AttemptRecord
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := apperrors.Classify(err)
		if class == apperrors.ClassTerminal || class == apperrors.ClassFatal || class == apperrors.ClassDeferredBatch {
			// A deferred-batch error (the circuit is open) won't clear by
			// retrying within this attempt budget; the caller is expected
			// to inspect the classification and re-enqueue at the batch
			// level once break_duration has passed, instead of burning
			// attempts against a breaker that isn't going anywhere.
			return nil, apperrors.Wrap(err, apperrors.GetType(err), "non-retryable error").
				WithAttempts(append(attempts, apperrors.AttemptRecord{Attempt: attempt, Err: err.Error()}))
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt)
		attempts = append(attempts, apperrors.AttemptRecord{Attempt: attempt, Delay: delay.String(), Err: err.Error()})

		if r.logger != nil {
			r.logger.WithFields(logging.NewFields().
				Component("retry").Attempt(attempt).Error(err).
				Custom("delay_ms", delay.Milliseconds()).ToLogrus()).
				Warn("retrying after failure")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	attempts = append(attempts, apperrors.AttemptRecord{Attempt: r.config.MaxAttempts, Err: lastErr.Error()})
	return nil, apperrors.Wrap(lastErr, apperrors.GetType(lastErr),
		fmt.Sprintf("operation failed after %d attempts", r.config.MaxAttempts)).
		WithAttempts(attempts)
}

func (r *Retrier) delayFor(attempt int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if base > float64(r.config.MaxDelay) || math.IsInf(base, 1) {
		base = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		base = rand.Float64() * base
	}
	return time.Duration(base)
}
