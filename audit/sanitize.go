package audit

import (
	"regexp"
	"strings"
)

// Sanitization patterns, applied in order. Longer or more specific
// patterns run first so a credit card is not half-eaten by the phone rule.
var sanitizers = []struct {
	token string
	re    *regexp.Regexp
}{
	{"[redacted-card]", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"[redacted-ssn]", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"[redacted-email]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"[redacted-phone]", regexp.MustCompile(`(?:\+?\d{1,3}[ .-])?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)},
	{"[redacted-key]", regexp.MustCompile(`\b(?:sk|pk|api|key|token)[-_][A-Za-z0-9_\-]{16,}\b`)},
	{"[redacted-ip]", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"[redacted-path]", regexp.MustCompile(`(?:/[A-Za-z0-9._\-]+){2,}`)},
}

var loopback = regexp.MustCompile(`^127\.|^0\.0\.0\.0$`)

// Sanitize masks personal and sensitive data in free-form text. Loopback
// addresses stay readable since they carry no user information.
func Sanitize(s string) string {
	for _, rule := range sanitizers {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			if rule.token == "[redacted-ip]" && loopback.MatchString(match) {
				return match
			}
			return rule.token
		})
	}
	return s
}

// SanitizeMap sanitizes every value of a detail map in place and returns
// whether anything was masked.
func SanitizeMap(details map[string]string) bool {
	masked := false
	for k, v := range details {
		clean := Sanitize(v)
		if clean != v {
			masked = true
			details[k] = clean
		}
	}
	return masked
}

// WasSanitized reports whether a string contains redaction tokens.
func WasSanitized(s string) bool {
	return strings.Contains(s, "[redacted-")
}
