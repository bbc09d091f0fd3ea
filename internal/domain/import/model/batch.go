package model

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus tracks an ingestion batch through its lifecycle.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchProcessing BatchStatus = "processing"
	BatchLoaded     BatchStatus = "loaded"
	BatchFailed     BatchStatus = "failed"
	BatchAborted    BatchStatus = "aborted"
)

// Reprocessable reports whether a batch may be claimed for processing.
// Finished batches can be replayed since loading is idempotent.
func (s BatchStatus) Reprocessable() bool {
	switch s {
	case BatchOpen, BatchLoaded, BatchFailed, BatchAborted:
		return true
	}
	return false
}

// RecordFailure is a single record the batch could not load.
type RecordFailure struct {
	SourceID string `json:"source_id"`
	Reason   string `json:"reason"`
}

// BatchResult is returned when a batch completes and persisted for polling.
type BatchResult struct {
	BatchID          uuid.UUID       `json:"batch_id"`
	RuleVersion      string          `json:"rule_version"`
	Inserted         int             `json:"inserted"`
	Updated          int             `json:"updated"`
	SkippedUserOwned int             `json:"skipped_user_owned"`
	Unmatched        int             `json:"unmatched"`
	Failed           []RecordFailure `json:"failed"`
}

// Record tallies one load outcome.
func (r *BatchResult) Record(o Outcome) {
	switch o {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkippedUserOwned:
		r.SkippedUserOwned++
	}
}

// Batch is the unit of ingestion.
type Batch struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	UserID       uuid.UUID    `json:"user_id" db:"user_id"`
	SourceType   SourceType   `json:"source_type" db:"source_type"`
	Status       BatchStatus  `json:"status" db:"status"`
	RuleVersion  *string      `json:"rule_version,omitempty" db:"rule_version"`
	StagedCount  int          `json:"staged_count" db:"staged_count"`
	Result       *BatchResult `json:"result,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
}
