package cache

import (
	"crypto/sha256"
	"fmt"
)

// SchemaVersion is bumped whenever the Stage1Artifact or Stage2Row shape
// changes in a way that invalidates previously cached entries.
const SchemaVersion = "v1"

// Stage1Fingerprint derives the content-addressed key for a Stage 1
// request: the term and its normalized type hint determine the
// nuance-creator call, independent of batch or position.
func Stage1Fingerprint(term, normalizedType string) string {
	return hashParts("s1", term, normalizedType, SchemaVersion)
}

// Stage2Fingerprint derives the content-addressed key for a Stage 2
// request. It chains through the Stage 1 fingerprint so that any change
// upstream invalidates every card generated from it.
func Stage2Fingerprint(term, normalizedType, stage1Fingerprint string) string {
	return hashParts("s2", term, normalizedType, stage1Fingerprint, SchemaVersion)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
