package matching

import (
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

// ageTolerance allows the registered age and the scraped age to disagree
// by one year: registration and the external visit rarely happen on the
// same side of a birthday.
const ageTolerance = 1

func nameFactor(identity domain.ScrapedIdentity, candidate Candidate, _ time.Time) bool {
	return namesMatch(identity.Name, candidate.FullName)
}

func birthDateFactor(identity domain.ScrapedIdentity, candidate Candidate, _ time.Time) bool {
	if identity.BirthDate == nil || candidate.BirthDate == nil {
		return false
	}
	return sameCalendarDay(*identity.BirthDate, *candidate.BirthDate)
}

// ageFactor only fires when a birth date is missing on either side;
// otherwise the birth-date factor already covers the signal and counting
// both would double-weight it.
func ageFactor(identity domain.ScrapedIdentity, candidate Candidate, now time.Time) bool {
	if identity.BirthDate != nil && candidate.BirthDate != nil {
		return false
	}

	scrapedAge, ok := resolveAge(identity.Age, identity.BirthDate, now)
	if !ok {
		return false
	}
	candidateAge, ok := resolveAge(candidate.Age, candidate.BirthDate, now)
	if !ok {
		return false
	}

	diff := scrapedAge - candidateAge
	if diff < 0 {
		diff = -diff
	}
	return diff <= ageTolerance
}

func phoneFactor(identity domain.ScrapedIdentity, candidate Candidate, _ time.Time) bool {
	scraped := NormalizePhone(identity.Phone)
	local := NormalizePhone(candidate.Phone)
	if scraped == "" || local == "" {
		return false
	}
	return scraped == local
}

func genderFactor(identity domain.ScrapedIdentity, candidate Candidate, _ time.Time) bool {
	scraped := normalizeGender(identity.Gender)
	local := normalizeGender(candidate.Gender)
	if scraped == "" || local == "" {
		return false
	}
	return scraped == local
}

func resolveAge(age *int, birthDate *time.Time, now time.Time) (int, bool) {
	if age != nil && *age > 0 {
		return *age, true
	}
	if birthDate == nil {
		return 0, false
	}
	return AgeAt(*birthDate, now), true
}

// AgeAt computes completed years between birth and now.
func AgeAt(birth time.Time, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() ||
		(now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func sameCalendarDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

func normalizeGender(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "f", "female", "p", "perempuan", "wanita":
		return "f"
	case "m", "male", "l", "laki-laki", "laki", "pria":
		return "m"
	}
	return ""
}
