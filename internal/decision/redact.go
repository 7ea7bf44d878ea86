package decision

import "regexp"

// Patterns for the personally identifying fields that may appear in mission
// payloads and error strings: email addresses, phone numbers, and explicit
// PII-labelled JSON values.
var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	fieldRe = regexp.MustCompile(`(?i)("(?:email|phone|first_name|last_name|full_name|name|address)"\s*:\s*)"[^"]*"`)
)

// Redact scrubs PII from text before it is handed to the reasoning tier.
// Field-level scrubbing runs first so labelled values disappear even when
// they would not match the generic patterns.
func Redact(text string) string {
	text = fieldRe.ReplaceAllString(text, `$1"[redacted]"`)
	text = emailRe.ReplaceAllString(text, "[redacted-email]")
	text = phoneRe.ReplaceAllString(text, "[redacted-phone]")
	return text
}
