// Package source talks to external clinical systems. An Adapter opens an
// authenticated Session against one hospital portal; the session then
// enumerates visits, resolves patient identities and fetches progress-note
// narratives for the extraction pipeline.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/matching"
)

// Credentials is the login pair handed to an adapter. The plaintext
// password exists only for the lifetime of the login call.
type Credentials struct {
	Username string
	Password string
}

// VisitRef points at one visit row on the source side.
type VisitRef struct {
	Ref         string
	PatientName string
}

// NarrativeEntry is one progress-note row as recorded at the source,
// attributed to its author.
type NarrativeEntry struct {
	Author     string
	Text       string
	RecordedAt time.Time
}

// Session is an authenticated conversation with one source. Sessions are
// not safe for concurrent use; a batch drives one sequentially.
type Session interface {
	// Clinician returns the display name of the logged-in account. The
	// narrative filter keeps only entries this clinician authored.
	Clinician() string
	ListVisits(ctx context.Context, date time.Time) ([]VisitRef, error)
	FetchIdentity(ctx context.Context, ref string) (domain.ScrapedIdentity, error)
	FetchNarrative(ctx context.Context, ref string) ([]NarrativeEntry, error)
	Close(ctx context.Context) error
}

// Adapter opens sessions against one configured source.
type Adapter interface {
	SourceKey() domain.SourceKey
	Login(ctx context.Context, creds Credentials) (Session, error)
}

// RelevantNarrative filters entries down to those authored by the given
// clinician and joins them in recorded order. An empty result is a
// legitimate outcome, reported as domain.ErrNoRelevantNarrative so the
// caller can skip rather than fail.
func RelevantNarrative(entries []NarrativeEntry, clinician string) (string, error) {
	want := matching.NormalizeName(clinician)

	var parts []string
	for _, entry := range entries {
		if want != "" && !authorMatches(entry.Author, want) {
			continue
		}
		text := strings.TrimSpace(entry.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no entries by %q", domain.ErrNoRelevantNarrative, clinician)
	}
	return strings.Join(parts, "\n\n"), nil
}

func authorMatches(author, wantNormalized string) bool {
	got := matching.NormalizeName(author)
	if got == "" {
		return false
	}
	return strings.Contains(got, wantNormalized) || strings.Contains(wantNormalized, got)
}
