package domain

import "time"

// BatchStatus is derived from a batch's jobs, never stored.
type BatchStatus string

const (
	BatchStatusRunning  BatchStatus = "running"
	BatchStatusComplete BatchStatus = "complete"
)

func (s BatchStatus) String() string { return string(s) }

// BatchAggregate summarizes one synchronization run. A batch is not a
// stored row: it is the grouping key over its jobs, and these aggregates
// are computed by querying the job registry.
type BatchAggregate struct {
	BatchID         string
	SourceKey       SourceKey
	StartedAt       time.Time
	CompletedAt     *time.Time
	Total           int
	Pending         int
	Processing      int
	Success         int
	Failed          int
	Skipped         int
	RecordsImported int
}

// Status derives running/complete from the per-status counts.
func (b BatchAggregate) Status() BatchStatus {
	if b.Pending > 0 || b.Processing > 0 {
		return BatchStatusRunning
	}
	return BatchStatusComplete
}

// BatchSummary is the terminal progress payload for one batch, recomputed
// from the job registry rather than from in-flight counters.
type BatchSummary struct {
	BatchID string `json:"batchId"`
	Total   int    `json:"total"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}
