package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an import job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s
// to next. Terminal states allow no transitions at all.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		// Bulk failure on a source-level error may terminate a job that
		// never started processing.
		return next == StatusProcessing || next == StatusFailed || next == StatusSkipped
	case StatusProcessing:
		return next.IsTerminal()
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Job is the unit of durable work: one confirmed patient match within a
// batch, tracked from creation through extraction to a terminal outcome.
type Job struct {
	ID               uint
	BatchID          string
	PatientID        string
	PatientName      string
	PatientAge       *int
	SourceKey        SourceKey
	SourceRef        string
	SourceFound      bool
	MatchScore       int
	MatchFactors     []string
	Status           Status
	Narrative        string
	RecordsImported  *int
	Message          string
	CreatedBy        string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.BatchID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}
	if strings.TrimSpace(j.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if strings.TrimSpace(j.PatientName) == "" {
		return fmt.Errorf("%w: patient name is required", ErrValidation)
	}
	if err := j.SourceKey.Validate(); err != nil {
		return err
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, j.Status)
	}
	return nil
}
