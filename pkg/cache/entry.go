package cache

import "time"

// Entry is one cached artifact, keyed by its content fingerprint.
type Entry struct {
	Fingerprint  string
	Stage        int
	Codec        Codec
	Payload      []byte // decompressed
	TokensUsed   int    // tokens the original LLM call consumed; reported back as tokens_saved on a hit
	AccessCount  int64
	ExternalPath string // set when Payload was spilled to disk instead of the row
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stats is a monotonically-increasing snapshot of cache activity since
// process start. Counters only grow; callers diff snapshots themselves.
type Stats struct {
	HotHits     int64
	ColdHits    int64
	Misses      int64
	Writes      int64
	Evictions   int64
	TokensSaved int64
}

// Snapshot is the spec-shaped stats view: durable entry count and byte
// size come from the store, hit_rate and tokens_saved are derived from
// the cumulative in-process counters.
type Snapshot struct {
	Entries     int64
	Bytes       int64
	HitRate     float64
	HotEntries  int64
	TokensSaved int64
}
