package interpret

import (
	"strings"
)

const chiefComplaintLimit = 500

// sectionMarkers maps lowercased line prefixes to their SOAP section.
// Progress notes in the wild mix Indonesian and English headings and the
// single-letter SOAP shorthand.
var sectionMarkers = []struct {
	prefix  string
	section string
}{
	{"s:", "subjective"},
	{"s :", "subjective"},
	{"subjektif", "subjective"},
	{"subjective", "subjective"},
	{"keluhan utama", "subjective"},
	{"o:", "objective"},
	{"o :", "objective"},
	{"objektif", "objective"},
	{"objective", "objective"},
	{"pemeriksaan", "objective"},
	{"a:", "assessment"},
	{"a :", "assessment"},
	{"assessment", "assessment"},
	{"diagnosa", "assessment"},
	{"diagnosis", "assessment"},
	{"p:", "plan"},
	{"p :", "plan"},
	{"planning", "plan"},
	{"plan", "plan"},
	{"terapi", "plan"},
	{"tatalaksana", "plan"},
}

// HeuristicExtract structures a narrative without the interpreter. Lines
// are bucketed under the most recent SOAP heading; a narrative with no
// recognizable headings degrades to a chief complaint, the leading text
// stored under subjective.
func HeuristicExtract(narrative string) Extraction {
	trimmed := strings.TrimSpace(narrative)
	if trimmed == "" {
		return Extraction{}
	}

	sections := map[string][]string{}
	current := ""
	matchedAny := false

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		section, rest, ok := matchMarker(line)
		if ok {
			matchedAny = true
			current = section
			if rest != "" {
				sections[current] = append(sections[current], rest)
			}
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}

	if !matchedAny {
		return Extraction{Subjective: chiefComplaint(trimmed)}
	}

	return Extraction{
		Subjective: strings.Join(sections["subjective"], "\n"),
		Objective:  strings.Join(sections["objective"], "\n"),
		Assessment: strings.Join(sections["assessment"], "\n"),
		Plan:       strings.Join(sections["plan"], "\n"),
	}
}

func matchMarker(line string) (section, rest string, ok bool) {
	lower := strings.ToLower(line)
	for _, marker := range sectionMarkers {
		if !strings.HasPrefix(lower, marker.prefix) {
			continue
		}
		rest = strings.TrimSpace(line[len(marker.prefix):])
		rest = strings.TrimLeft(rest, ":")
		return marker.section, strings.TrimSpace(rest), true
	}
	return "", "", false
}

// chiefComplaint truncates the narrative to its leading runes, enough to
// carry the presenting problem into the record when nothing better can be
// extracted.
func chiefComplaint(narrative string) string {
	runes := []rune(narrative)
	if len(runes) <= chiefComplaintLimit {
		return narrative
	}
	return string(runes[:chiefComplaintLimit])
}
