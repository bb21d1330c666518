// Package progress streams batch lifecycle events to watching clients.
// Delivery is best effort: events exist to drive live UI, and the job
// registry remains the source of truth. A batch never fails because
// nobody was listening.
package progress

import (
	"context"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

// Phase names one step of a batch run.
type Phase string

const (
	PhaseLogin    Phase = "login"
	PhaseScrape   Phase = "scrape"
	PhaseMatching Phase = "matching"
	PhaseExtract  Phase = "extract"
	PhaseComplete Phase = "complete"
)

// Event is one progress update for a batch.
type Event struct {
	BatchID string               `json:"batchId"`
	Source  string               `json:"source"`
	Phase   Phase                `json:"phase"`
	Message string               `json:"message,omitempty"`
	JobID   uint                 `json:"jobId,omitempty"`
	Status  string               `json:"status,omitempty"`
	Current int                  `json:"current,omitempty"`
	Total   int                  `json:"total,omitempty"`
	Summary *domain.BatchSummary `json:"summary,omitempty"`
	At      time.Time            `json:"at"`
}

// Broker fans events out to subscribers of a batch. Publish must not
// block on slow consumers; Subscribe's cancel function releases the
// subscription and closes the event channel.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, batchID string) (<-chan Event, func(), error)
}
