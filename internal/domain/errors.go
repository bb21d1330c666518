package domain

import "errors"

var (
	// ErrValidation marks errors caused by invalid caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups for entities that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks requests rejected because a sync run is already
	// active for the source.
	ErrConflict = errors.New("conflict")
	// ErrSourceUnavailable marks authentication or enumeration failures
	// against the external clinical system. It aborts the whole batch.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrNoRelevantNarrative marks a legitimate empty extraction result:
	// the visit has no note attributable to the configured clinician.
	ErrNoRelevantNarrative = errors.New("no relevant narrative")
	// ErrTerminalStatus marks attempts to transition a job that already
	// reached a terminal status.
	ErrTerminalStatus = errors.New("job already in terminal status")
)
