// Package flashcard holds the data model shared by every component of
// the pipeline core: the vocabulary item the orchestrator ingests,
// the two LLM-produced artifacts, and the task/batch/checkpoint
// records that track an item's journey through the pipeline.
package flashcard

import "time"

// VocabItem is one input unit. Position is unique within a batch and
// drives output ordering; Term is opaque Korean text. Immutable once
// enqueued.
type VocabItem struct {
	Position int               `json:"position" validate:"required,min=1"`
	Term     string            `json:"term" validate:"required"`
	Type     *string           `json:"type,omitempty"`
	BatchID  string            `json:"batch_id" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NormalizedType returns the type hint lower-cased and trimmed, or the
// empty string when absent — the form used by fingerprint derivation.
func (v VocabItem) NormalizedType() string {
	if v.Type == nil {
		return ""
	}
	return normalizeToken(*v.Type)
}

// Stage1Artifact is the structured semantic analysis of one term.
type Stage1Artifact struct {
	Term             string   `json:"term"`
	IPA              string   `json:"ipa"`
	PartOfSpeech     string   `json:"part_of_speech"`
	PrimaryMeaning   string   `json:"primary_meaning"`
	SecondaryMeanings []string `json:"secondary_meanings,omitempty"`
	Metaphor         string   `json:"metaphor,omitempty"`
	Anchor           string   `json:"anchor,omitempty"`
	Comparison       *string  `json:"comparison,omitempty"`
	Homonyms         []string `json:"homonyms,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
}

// Stage2Row is one flashcard row produced from a Stage 1 artifact.
type Stage2Row struct {
	Position        int      `json:"position"`
	Term            string   `json:"term"`
	TermNumber      int      `json:"term_number"`
	TabName         string   `json:"tab_name"`
	Primer          string   `json:"primer"`
	Front           string   `json:"front"`
	Back            string   `json:"back"`
	Tags            []string `json:"tags,omitempty"`
	HonorificLevel  string   `json:"honorific_level"`
}

// Stage2Artifact is the ordered set of flashcard rows for one term.
type Stage2Artifact struct {
	Rows []Stage2Row `json:"rows"`
}

// TaskState is a task's position in the per-item state machine.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskProcessingStage1 TaskState = "processing_stage1"
	TaskCompletedStage1  TaskState = "completed_stage1"
	TaskProcessingStage2 TaskState = "processing_stage2"
	TaskCompleted        TaskState = "completed"
	TaskFailed           TaskState = "failed"
	TaskQuarantined      TaskState = "quarantined"
	TaskDeferred         TaskState = "deferred"
)

// Task tracks one item's journey through the pipeline.
type Task struct {
	TaskID            string
	BatchID           string
	Position          int
	Term              string
	Type              *string
	State             TaskState
	RetryCount        int
	LastError         string
	LastErrorKind     string
	Stage1Fingerprint string
	Stage2Fingerprint string
	ClaimToken        string
	ClaimedAt         *time.Time
	UpdatedAt         time.Time
}

// BatchStatus is the aggregate status of a batch of tasks.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// Batch is a collection of tasks submitted together.
type Batch struct {
	BatchID     string
	Total       int
	Completed   int
	Failed      int
	Quarantined int
	Status      BatchStatus
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Checkpoint is a durable snapshot sufficient to resume a batch.
type Checkpoint struct {
	BatchID                 string
	LastContiguousPosition  int
	LastProcessedTaskID     string
	CompletedCount          int
	FailedCount             int
	QuarantinedCount        int
	CreatedAt               time.Time
}

// QuarantinedItem is one report entry for a permanently failed item.
type QuarantinedItem struct {
	Position    int
	Term        string
	ErrorKind   string
	Attempts    int
}

// BatchReport is returned by run_batch / resume_batch.
type BatchReport struct {
	BatchID       string
	TotalItems    int
	Completed     int
	Failed        int
	Quarantined   int
	TokensUsed    int64
	CacheHits     map[int]int // stage -> hit count
	Elapsed       time.Duration
	Status        BatchStatus
	QuarantinedItems []QuarantinedItem
}
