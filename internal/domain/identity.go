package domain

import "time"

// ScrapedIdentity is the identity block read from one external visit
// record. It lives only for the duration of the matching phase.
type ScrapedIdentity struct {
	Name      string
	SourceRef string
	BirthDate *time.Time
	Age       *int
	Phone     string
	Gender    string
	VisitDate *time.Time
}

// MatchResult is the outcome of scoring one scraped identity against the
// local candidate pool. PatientID is empty when no candidate cleared the
// acceptance threshold; Reason then explains the rejection.
type MatchResult struct {
	Identity  ScrapedIdentity
	PatientID string
	Score     int
	Factors   []string
	Reason    string
}

// Accepted reports whether the result carries a confirmed local patient.
func (r MatchResult) Accepted() bool { return r.PatientID != "" }
