package audit

import (
	"regexp"
	"strings"
)

// MaxErrorLength bounds error text stored on delivery rows.
const MaxErrorLength = 512

const (
	redacted        = "[REDACTED]"
	truncatedSuffix = "... (truncated)"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redacted + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redacted,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redacted,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|token|password|secret|whsec)\s*[:=]\s*([^\s,;&]+)`),
		replacement: `$1=` + redacted,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bwhsec_[a-z0-9+/=]+`),
		replacement: redacted,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redacted,
	},
}

// Redact strips credentials and email addresses from msg.
func Redact(msg string) string {
	out := msg
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out
}

// SanitizeError redacts msg and bounds it to MaxErrorLength runes so it can
// be stored in deliveries.last_error.
func SanitizeError(msg string) string {
	return truncate(Redact(strings.TrimSpace(msg)), MaxErrorLength)
}

func truncate(msg string, max int) string {
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	suffix := []rune(truncatedSuffix)
	return string(runes[:max-len(suffix)]) + truncatedSuffix
}
