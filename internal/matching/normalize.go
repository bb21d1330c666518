package matching

import (
	"strings"
	"unicode"
)

// honorifics lists prefixes stripped during name normalization. The local
// forms (ny., tn., sdr., sdri.) appear on almost every external record.
var honorifics = []string{
	"ny", "tn", "sdr", "sdri", "nn", "an",
	"dr", "drg", "dra", "drs", "ir", "hj", "h",
	"mr", "mrs", "ms", "miss",
}

// NormalizeName lowercases a patient name, strips honorific prefixes and
// punctuation, and collapses whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == ',' || r == '\'' || r == '-':
			b.WriteRune(' ')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 0 && isHonorific(tokens[0]) {
		tokens = tokens[1:]
	}
	return strings.Join(tokens, " ")
}

func isHonorific(token string) bool {
	for _, h := range honorifics {
		if token == h {
			return true
		}
	}
	return false
}

func nameTokens(normalized string) []string {
	return strings.Fields(normalized)
}

// namesMatch reports normalized full-name equality or high token overlap:
// every token of the shorter name must find a counterpart on the other
// side, where tokens pair up on equality or, for tokens of three or more
// characters, an edit distance of one. "Siti Amah" matches
// "Siti Amah binti Ahmad" but not "Siti Rahma".
func namesMatch(a, b string) bool {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}

	ta, tb := nameTokens(na), nameTokens(nb)
	if len(tb) < len(ta) {
		ta, tb = tb, ta
	}

	for _, x := range ta {
		found := false
		for _, y := range tb {
			if tokensEqualish(x, y) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func tokensEqualish(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < minCoarseTokenLen || len(b) < minCoarseTokenLen {
		return false
	}
	return levenshtein(a, b) <= 1
}

func containsEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// NormalizePhone strips punctuation and country-code prefixes and keeps
// the last ten digits. Returns "" when fewer than ten digits remain,
// in which case the phone factor cannot be evaluated.
func NormalizePhone(phone string) string {
	var digits []byte
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, byte(r))
		}
	}

	s := string(digits)
	if strings.HasPrefix(s, "62") && len(s) > 10 {
		s = "0" + s[2:]
	}
	if len(s) < 10 {
		return ""
	}
	return s[len(s)-10:]
}

func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func minInt(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
