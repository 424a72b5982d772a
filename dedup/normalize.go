// Package dedup merges duplicate entities extracted from QSR equipment
// manuals. Five strategies run in order (exact, brand/model pattern,
// curated alias table, fuzzy similarity, curated semantic clusters); the
// first to reach its threshold wins. Validated matches are clustered with
// union-find and each cluster collapses to one canonical survivor.
package dedup

import (
	"regexp"
	"strings"
)

// fillerWords are dropped for comparison only; canonical names keep them.
var fillerWords = map[string]bool{
	"the": true, "a": true, "an": true, "model": true,
	"type": true, "series": true, "unit": true, "system": true,
}

var (
	leadingNumeric = regexp.MustCompile(`^\d+\s*`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// CanonicalizeName cleans a raw extracted name: collapse whitespace and
// strip leading numeric prefixes ("1Grote Tool" -> "Grote Tool"). Case is
// preserved; comparison keys handle casing.
func CanonicalizeName(name string) string {
	name = whitespaceRun.ReplaceAllString(strings.TrimSpace(name), " ")
	name = leadingNumeric.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}

// compareKey lowers the name and drops filler words, producing the string
// the matching strategies compare.
func compareKey(name string) string {
	words := strings.Fields(strings.ToLower(CanonicalizeName(name)))
	kept := words[:0]
	for _, w := range words {
		if !fillerWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

var modelToken = regexp.MustCompile(`^[a-z]*-?\d+[a-z0-9]*$`)

// brandModel splits a compare key into an optional brand and a normalized
// model token (dashes removed). Returns ok=false when the name carries no
// model token.
func brandModel(key string) (brand, mdl string, ok bool) {
	words := strings.Fields(key)
	for i, w := range words {
		if modelToken.MatchString(w) && strings.IndexFunc(w, isDigit) >= 0 {
			mdl = strings.ReplaceAll(w, "-", "")
			brand = strings.Join(words[:i], " ")
			return brand, mdl, true
		}
	}
	return "", "", false
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
