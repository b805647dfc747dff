// Package breaker wraps sony/gobreaker with per-service isolation: each
// LLM provider/service name gets its own circuit so a failing endpoint
// doesn't trip calls to an unrelated one.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/logging"
)

// Config mirrors the breaker tunables named in the pipeline's reliability
// envelope.
type Config struct {
	FailureRatio         float64
	MinThroughput        uint32
	WindowSeconds        int
	BreakDurationSeconds int
	MaxProbes            uint32
}

// Manager holds one gobreaker.CircuitBreaker per service name, created
// lazily on first use so callers never have to pre-register services.
type Manager struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time
}

// NewManager builds a registry that creates breakers from cfg on demand.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		return nil, apperrors.NewValidationError("failure_ratio must be in (0, 1]")
	}
	if cfg.MaxProbes == 0 {
		return nil, apperrors.NewValidationError("max_probes must be positive")
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		openedAt: make(map[string]time.Time),
	}, nil
}

func (m *Manager) breakerFor(service string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[service]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: m.cfg.MaxProbes,
		Interval:    time.Duration(m.cfg.WindowSeconds) * time.Second,
		Timeout:     time.Duration(m.cfg.BreakDurationSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.cfg.MinThroughput {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= m.cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.mu.Lock()
			if to == gobreaker.StateOpen {
				m.openedAt[name] = time.Now()
			} else if to == gobreaker.StateClosed {
				delete(m.openedAt, name)
			}
			m.mu.Unlock()

			if m.logger != nil {
				m.logger.WithFields(logging.BreakerFields(name, to.String()).
					Custom("from", from.String()).ToLogrus()).
					Info("circuit breaker state transition")
			}
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	m.breakers[service] = cb
	return cb
}

// State reports the current state of service's breaker.
func (m *Manager) State(service string) gobreaker.State {
	return m.breakerFor(service).State()
}

// Counts reports service's current request/failure/success tally for
// the active window, for persistence and reporting.
func (m *Manager) Counts(service string) gobreaker.Counts {
	return m.breakerFor(service).Counts()
}

// OpenedAt reports when service's breaker last tripped open, or nil if
// it is not currently open.
func (m *Manager) OpenedAt(service string) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.openedAt[service]
	if !ok {
		return nil
	}
	return &t
}

// BreakDuration returns the configured cool-down period a breaker stays
// open before probing again, so callers deferring a breaker-open
// failure know how long to wait before the item is claimable again.
func (m *Manager) BreakDuration() time.Duration {
	return time.Duration(m.cfg.BreakDurationSeconds) * time.Second
}

// Execute runs fn through service's breaker: when the breaker is open
// the call fails fast with ErrorTypeBreakerOpen without invoking fn.
func (m *Manager) Execute(ctx context.Context, service string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cb := m.breakerFor(service)
	result, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeBreakerOpen, "circuit breaker rejected call to "+service)
	}
	return result, err
}

// ResetAll drops every breaker so the next call to each service starts
// from a fresh Closed state. Used by test harnesses and admin tooling,
// never by the pipeline itself.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*gobreaker.CircuitBreaker)
}
