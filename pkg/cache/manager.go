// Package cache implements the pipeline's content-addressed cache: a
// bounded in-memory hot layer backed by a durable SQLite store, guarded
// per fingerprint so concurrent workers never issue duplicate LLM
// calls for the same content.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/logging"
)

// assumedEntrySize is the heuristic used to translate Config.MaxBytes
// into an LRU entry count; exact accounting would need an accessor into
// hashicorp/golang-lru's internal list, which it doesn't expose.
const assumedEntrySize = 4096

// Config controls the manager's memory bound, codec and hot-entry
// protection threshold.
type Config struct {
	Codec        Codec
	HotThreshold int64
	MaxBytes     int64
}

// Manager is the cache store's public surface: content-addressed
// get/put/invalidate plus a stats snapshot, used by the engine around
// every LLM call.
type Manager struct {
	cfg    Config
	db     *sqlx.DB
	store  *store
	hot    *lru.Cache[string, *Entry]
	pinned sync.Map // fingerprint -> *Entry, entries that crossed HotThreshold
	group  singleflight.Group
	logger *logrus.Logger

	mu    sync.Mutex
	stats Stats
}

// NewManager validates cfg, opens the in-memory LRU layer and wraps the
// shared database handle. The caller owns db's lifecycle.
func NewManager(cfg Config, db *sqlx.DB, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Codec.valid() {
		return nil, apperrors.NewValidationError("invalid cache codec")
	}
	if cfg.HotThreshold <= 0 {
		return nil, apperrors.NewValidationError("hot_threshold must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return nil, apperrors.NewValidationError("max_bytes must be positive")
	}
	if logger == nil {
		return nil, apperrors.NewValidationError("logger is required")
	}

	size := int(cfg.MaxBytes / assumedEntrySize)
	if size < 1 {
		size = 1
	}
	hot, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to allocate lru cache")
	}

	return &Manager{
		cfg:    cfg,
		db:     db,
		store:  newStore(db),
		hot:    hot,
		logger: logger,
	}, nil
}

// Get resolves a fingerprint's cached payload, checking the pinned hot
// set, then the bounded LRU layer, then the durable store.
func (m *Manager) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	if v, ok := m.pinned.Load(fingerprint); ok {
		e := v.(*Entry)
		m.incr(func(s *Stats) { s.HotHits++; s.TokensSaved += int64(e.TokensUsed) })
		return e, true, nil
	}

	if e, ok := m.hot.Get(fingerprint); ok {
		m.bumpAccess(e)
		m.incr(func(s *Stats) { s.HotHits++; s.TokensSaved += int64(e.TokensUsed) })
		return e, true, nil
	}

	e, ok, err := m.store.get(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		m.incr(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}

	m.incr(func(s *Stats) { s.ColdHits++; s.TokensSaved += int64(e.TokensUsed) })
	m.promote(e)
	return e, true, nil
}

// Put writes payload under fingerprint to both the durable store and
// the hot layer. Concurrent Put calls for the same fingerprint are
// serialized through a singleflight group so only one writer actually
// touches SQLite.
func (m *Manager) Put(ctx context.Context, fingerprint string, stage int, payload []byte, tokensUsed int) error {
	_, err, _ := m.group.Do(fingerprint, func() (interface{}, error) {
		compressed, cErr := Compress(m.cfg.Codec, payload)
		if cErr != nil {
			return nil, cErr
		}
		now := time.Now()
		if pErr := m.store.put(ctx, fingerprint, stage, m.cfg.Codec, compressed, tokensUsed, now); pErr != nil {
			return nil, pErr
		}
		e := &Entry{
			Fingerprint: fingerprint,
			Stage:       stage,
			Codec:       m.cfg.Codec,
			Payload:     payload,
			TokensUsed:  tokensUsed,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.promote(e)
		m.incr(func(s *Stats) { s.Writes++ })
		return nil, nil
	})
	if err != nil {
		m.logger.WithFields(logging.CacheFields("put", stage, fingerprint).Error(err).ToLogrus()).
			Warn("cache write failed")
	}
	return err
}

// GetOrCompute resolves fingerprint from cache, or calls compute exactly
// once across concurrent callers sharing that fingerprint and persists
// the result before returning it.
func (m *Manager) GetOrCompute(ctx context.Context, fingerprint string, stage int, compute func(ctx context.Context) ([]byte, int, error)) ([]byte, bool, error) {
	if e, ok, err := m.Get(ctx, fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return e.Payload, true, nil
	}

	v, err, shared := m.group.Do("compute:"+fingerprint, func() (interface{}, error) {
		if e, ok, gErr := m.Get(ctx, fingerprint); gErr == nil && ok {
			return e.Payload, nil
		}
		payload, tokensUsed, cErr := compute(ctx)
		if cErr != nil {
			return nil, cErr
		}
		if pErr := m.Put(ctx, fingerprint, stage, payload, tokensUsed); pErr != nil {
			return nil, pErr
		}
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), shared, nil
}

// Invalidate removes fingerprint from every layer.
func (m *Manager) Invalidate(ctx context.Context, fingerprint string) error {
	m.pinned.Delete(fingerprint)
	m.hot.Remove(fingerprint)
	return m.store.invalidate(ctx, fingerprint)
}

// InvalidateMatching removes every entry matching filter from the
// durable store and, for any of them still resident, from the pinned
// and hot layers too. It returns how many entries were removed.
func (m *Manager) InvalidateMatching(ctx context.Context, filter InvalidateFilter) (int64, error) {
	fingerprints, err := m.store.findMatching(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(fingerprints) == 0 {
		return 0, nil
	}
	for _, fp := range fingerprints {
		m.pinned.Delete(fp)
		m.hot.Remove(fp)
	}
	return m.store.deleteMatching(ctx, filter)
}

// EnforceMaxBytes evicts the least-recently-updated durable entries
// until the store's total payload size is back under Config.MaxBytes.
// Pinned fingerprints are never evicted by this path.
func (m *Manager) EnforceMaxBytes(ctx context.Context) (int64, error) {
	pinned := make(map[string]bool)
	m.pinned.Range(func(k, _ any) bool {
		pinned[k.(string)] = true
		return true
	})
	evicted, err := m.store.evictToFit(ctx, m.cfg.MaxBytes, pinned)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		m.incr(func(s *Stats) { s.Evictions += evicted })
	}
	return evicted, nil
}

// Stats returns a snapshot of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Snapshot reports the spec-shaped cache view: durable entry count and
// byte size come from the store, hit_rate and tokens_saved are derived
// from the cumulative in-process counters.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	entries, bytes, err := m.store.countAndBytes(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	stats := m.Stats()
	hits := stats.HotHits + stats.ColdHits
	total := hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	var hotEntries int64
	m.pinned.Range(func(_, _ any) bool { hotEntries++; return true })
	hotEntries += int64(m.hot.Len())

	return Snapshot{
		Entries:     entries,
		Bytes:       bytes,
		HitRate:     hitRate,
		HotEntries:  hotEntries,
		TokensSaved: stats.TokensSaved,
	}, nil
}

func (m *Manager) promote(e *Entry) {
	if e.AccessCount >= m.cfg.HotThreshold {
		m.pinned.Store(e.Fingerprint, e)
		return
	}
	evicted := m.hot.Add(e.Fingerprint, e)
	if evicted {
		m.incr(func(s *Stats) { s.Evictions++ })
	}
}

func (m *Manager) bumpAccess(e *Entry) {
	e.AccessCount++
	if e.AccessCount >= m.cfg.HotThreshold {
		m.pinned.Store(e.Fingerprint, e)
		m.hot.Remove(e.Fingerprint)
	}
}

func (m *Manager) incr(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}
