package matching

import (
	"fmt"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

const (
	// DefaultThreshold is the minimum factor score for an accepted match.
	DefaultThreshold = 3

	// minCoarseTokenLen is the shortest name token considered by the
	// coarse candidate filter.
	minCoarseTokenLen = 3
)

// Candidate is one local-registry patient offered for scoring.
type Candidate struct {
	PatientID string
	FullName  string
	BirthDate *time.Time
	Age       *int
	Phone     string
	Gender    string
}

// Factor is one independent boolean matching signal worth a single point.
// Evaluate returns false when the factor cannot be evaluated (missing data
// on either side); an unevaluable factor contributes zero, never a penalty.
type Factor struct {
	Name     string
	Evaluate func(identity domain.ScrapedIdentity, candidate Candidate, now time.Time) bool
}

// Matcher scores scraped identities against local patient candidates.
// The factor set is configurable; DefaultFactors reconstructs the
// five-signal scheme used for imported hospital visits.
type Matcher struct {
	factors   []Factor
	threshold int
	now       func() time.Time
}

func NewMatcher(factors []Factor, threshold int) *Matcher {
	if len(factors) == 0 {
		factors = DefaultFactors()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{
		factors:   factors,
		threshold: threshold,
		now:       time.Now,
	}
}

// DefaultFactors returns the standard five factors: full name, birth date,
// age (only when a birth date is missing on either side), phone, gender.
func DefaultFactors() []Factor {
	return []Factor{
		{Name: "name", Evaluate: nameFactor},
		{Name: "birth_date", Evaluate: birthDateFactor},
		{Name: "age", Evaluate: ageFactor},
		{Name: "phone", Evaluate: phoneFactor},
		{Name: "gender", Evaluate: genderFactor},
	}
}

// MatchAll scores every scraped identity against the candidate pool and
// returns one result per identity in input order. Apart from the age
// factor, which reads the injected clock, the operation is pure: it
// performs no writes and the same inputs always yield the same results.
func (m *Matcher) MatchAll(identities []domain.ScrapedIdentity, candidates []Candidate) []domain.MatchResult {
	results := make([]domain.MatchResult, 0, len(identities))
	for _, identity := range identities {
		results = append(results, m.Match(identity, candidates))
	}
	return results
}

// Match scores one scraped identity against the candidate pool.
func (m *Matcher) Match(identity domain.ScrapedIdentity, candidates []Candidate) domain.MatchResult {
	now := m.now()
	result := domain.MatchResult{Identity: identity}

	scrapedTokens := nameTokens(NormalizeName(identity.Name))

	best := -1
	var bestFactors []string
	var bestID string
	anyEligible := false

	for _, candidate := range candidates {
		if !coarseEligible(scrapedTokens, nameTokens(NormalizeName(candidate.FullName))) {
			continue
		}
		anyEligible = true

		score := 0
		var matched []string
		for _, factor := range m.factors {
			if factor.Evaluate(identity, candidate, now) {
				score++
				matched = append(matched, factor.Name)
			}
		}

		// Strictly-highest wins; ties keep the first-encountered
		// candidate in the coarse-filtered order.
		if score > best {
			best = score
			bestFactors = matched
			bestID = candidate.PatientID
		}
	}

	if !anyEligible {
		result.Reason = "no name match"
		return result
	}

	if best < m.threshold {
		result.Score = best
		result.Reason = fmt.Sprintf("only %d of %d factors matched", best, len(m.factors))
		return result
	}

	result.PatientID = bestID
	result.Score = best
	result.Factors = bestFactors
	return result
}

// coarseEligible is a performance guard, not a match decision: a candidate
// is offered for full scoring only when it shares at least one normalized
// name token of minimum length with the scraped identity, counting
// substring containment in either direction.
func coarseEligible(scraped, candidate []string) bool {
	for _, st := range scraped {
		if len(st) < minCoarseTokenLen {
			continue
		}
		for _, ct := range candidate {
			if len(ct) < minCoarseTokenLen {
				continue
			}
			if containsEither(st, ct) {
				return true
			}
		}
	}
	return false
}
