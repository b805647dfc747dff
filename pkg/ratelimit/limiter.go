// Package ratelimit implements the dual token-bucket limiter guarding
// calls into an LLM service: one bucket for request rate, one for
// token throughput, both scaled by a safety factor so the pipeline
// stays under a provider's advertised limit rather than riding it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// Config describes one service's advertised limits.
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	SafetyFactor      float64 // e.g. 0.8 keeps 20% headroom
}

// Limiter enforces Config against a single logical service. Safe for
// concurrent use by multiple workers.
type Limiter struct {
	service  string
	requests *rate.Limiter
	tokens   *rate.Limiter

	mu                sync.Mutex
	lastTokenEstimate int
	windowStart       time.Time
	totalRequests     int64
	totalTokens       int64
}

// New builds a Limiter for service from cfg. Burst is set to one
// minute's worth of budget so a cold start doesn't immediately stall.
func New(service string, cfg Config) *Limiter {
	factor := cfg.SafetyFactor
	if factor <= 0 || factor > 1 {
		factor = 1
	}

	rps := float64(cfg.RequestsPerMinute) * factor / 60
	tps := float64(cfg.TokensPerMinute) * factor / 60

	return &Limiter{
		service:     service,
		requests:    rate.NewLimiter(rate.Limit(rps), max(1, cfg.RequestsPerMinute)),
		tokens:      rate.NewLimiter(rate.Limit(tps), max(1, cfg.TokensPerMinute)),
		windowStart: time.Now(),
	}
}

// Acquire blocks until both the request and token budgets admit one
// call estimated to cost tokensEstimate tokens, or ctx is done. FIFO
// ordering and never-spin behavior come directly from x/time/rate's
// internal reservation queue.
func (l *Limiter) Acquire(ctx context.Context, tokensEstimate int) error {
	if tokensEstimate < 1 {
		tokensEstimate = 1
	}

	if err := l.requests.Wait(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimited, "request budget wait interrupted")
	}
	if err := l.tokens.WaitN(ctx, tokensEstimate); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimited, "token budget wait interrupted")
	}

	l.mu.Lock()
	l.lastTokenEstimate = tokensEstimate
	l.totalRequests++
	l.totalTokens += int64(tokensEstimate)
	l.mu.Unlock()
	return nil
}

// Reconcile corrects the token bucket after a call's actual usage is
// known. x/time/rate has no API to credit unused tokens back, so only
// the underestimate case is enforced: an extra debit against the
// bucket so the next caller doesn't inherit a budget this call already
// spent beyond its estimate.
func (l *Limiter) Reconcile(actualTokens int) {
	l.mu.Lock()
	estimate := l.lastTokenEstimate
	l.mu.Unlock()

	deficit := actualTokens - estimate
	if deficit > 0 {
		_ = l.tokens.ReserveN(time.Now(), deficit)
		l.mu.Lock()
		l.totalTokens += int64(deficit)
		l.mu.Unlock()
	}
}

// Accounting returns a persistable snapshot of this limiter's
// cumulative request/token usage since New, for Store.Save.
func (l *Limiter) Accounting() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Record{
		Service:     l.service,
		WindowStart: l.windowStart,
		Requests:    l.totalRequests,
		Tokens:      l.totalTokens,
	}
}

// Snapshot is a point-in-time view of remaining budget, expressed as
// tokens currently available without waiting.
type Snapshot struct {
	Service          string
	RequestsAvailable float64
	TokensAvailable   float64
}

func (l *Limiter) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Service:           l.service,
		RequestsAvailable: l.requests.TokensAt(now),
		TokensAvailable:   l.tokens.TokensAt(now),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
