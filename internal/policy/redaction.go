// Package policy holds content rules applied to inbound turns before they
// are stored or embedded.
package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}

// Rules run in order. Cards run before phones so long digit runs are not
// classified as phone numbers, and secrets before emails so key material with
// an @ is masked whole.
var redactionRules = []redactionRule{
	{"secret", regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`), "[REDACTED_SECRET]"},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns and reports which kinds of
// data were found, in rule order.
func RedactPII(input string) (redacted string, kinds []string) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		if next != out {
			kinds = append(kinds, rule.kind)
		}
		out = next
	}
	return out, kinds
}
