package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// RedactMode selects what a matched secret is replaced with.
type RedactMode string

const (
	ModeMask   RedactMode = "mask"   // replace with a fixed token
	ModeHash   RedactMode = "hash"   // replace with a short SHA-256 digest
	ModeRemove RedactMode = "remove" // drop the match entirely
)

// DefaultMaskToken is used by ModeMask unless the caller overrides it.
const DefaultMaskToken = "[REDACTED]"

// patterns ordered roughly by specificity; card before phone so a 16-digit
// card number is not half-eaten by the phone pattern.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"api_key", regexp.MustCompile(`\b(?:sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`)},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`)},
}

// sensitiveKeys are field names whose values are always redacted regardless
// of content.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"private_key":   true,
	"credit_card":   true,
	"ssn":           true,
}

// Redactor scrubs PII and credential material from free text and from
// structured log fields before anything is written out.
type Redactor struct {
	Mode  RedactMode
	Token string
}

// NewRedactor creates a redactor; empty mode defaults to mask.
func NewRedactor(mode RedactMode) *Redactor {
	if mode == "" {
		mode = ModeMask
	}
	return &Redactor{Mode: mode, Token: DefaultMaskToken}
}

// Scrub replaces every PII match in the text per the configured mode and
// reports which pattern names fired.
func (r *Redactor) Scrub(text string) (string, []string) {
	var hit []string
	for _, p := range piiPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		hit = append(hit, p.name)
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			return r.replacement(m)
		})
	}
	return text, hit
}

// ScrubFields redacts a structured field map in place semantics: a new map is
// returned, sensitive keys are always masked, string values are scrubbed.
func (r *Redactor) ScrubFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = r.replacement(fmt.Sprint(v))
			continue
		}
		if s, ok := v.(string); ok {
			scrubbed, _ := r.Scrub(s)
			out[k] = scrubbed
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) replacement(match string) string {
	switch r.Mode {
	case ModeHash:
		sum := sha256.Sum256([]byte(match))
		return "sha256:" + hex.EncodeToString(sum[:6])
	case ModeRemove:
		return ""
	default:
		if r.Token != "" {
			return r.Token
		}
		return DefaultMaskToken
	}
}

// SensitiveKey reports whether the field name must always be redacted.
func SensitiveKey(name string) bool {
	return sensitiveKeys[strings.ToLower(name)]
}
