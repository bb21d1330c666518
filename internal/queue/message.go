package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

const targetDateLayout = "2006-01-02"

// SyncRequestMessage is the broker payload that starts one batch run.
// The HTTP surface acknowledges with 202 as soon as this lands on the
// queue; everything after happens on a worker.
type SyncRequestMessage struct {
	BatchID    string           `json:"batchId"`
	SourceKey  domain.SourceKey `json:"source"`
	TargetDate string           `json:"targetDate"`
	Actor      string           `json:"actor,omitempty"`
}

func (m SyncRequestMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if err := m.SourceKey.Validate(); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	if _, err := time.Parse(targetDateLayout, m.TargetDate); err != nil {
		return fmt.Errorf("invalid targetDate %q", m.TargetDate)
	}
	return nil
}

// Date parses the target date. Call Validate first.
func (m SyncRequestMessage) Date() time.Time {
	t, _ := time.Parse(targetDateLayout, m.TargetDate)
	return t
}

// FormatTargetDate renders a time in the wire format for TargetDate.
func FormatTargetDate(t time.Time) string {
	return t.Format(targetDateLayout)
}
