// Package redact rewrites streamed response content, substituting known
// credential and PII shapes before they reach the caller.
package redact

import (
	"regexp"
	"strings"
)

// Replacement markers.
const (
	Redacted       = "[REDACTED]"
	RedactedBase64 = "[REDACTED_BASE64]"
	RedactedPII    = "[REDACTED_PII]"
)

// Rule pairs a compiled pattern with its replacement text.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules covers well-known API key formats, credential-bearing URLs
// and assignments, long base64 runs, and common PII shapes.
func DefaultRules() []Rule {
	return []Rule{
		{"openai_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), Redacted},
		{"aws_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), Redacted},
		{"google_token", regexp.MustCompile(`\bya29\.[A-Za-z0-9_-]{20,}\b`), Redacted},
		{"slack_token", regexp.MustCompile(`\bxox[bprs]-[A-Za-z0-9-]{10,}\b`), Redacted},
		{"github_token", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`), Redacted},
		{"credential_url", regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^\s/@:]+:[^\s/@]+@[^\s/]+`), Redacted},
		{"credential_pair", regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\s*[=:]\s*[^\s,;"']{6,}`), Redacted},
		{"long_base64", regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`), RedactedBase64},
		{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), RedactedPII},
		{"card_number", regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`), RedactedPII},
	}
}

// Filter applies a rule set to streamed content. Create one Filter per
// request; the rule slice is shared and read-only so the zero allocation
// path stays cheap.
type Filter struct {
	rules []Rule
}

// NewFilter creates a Filter. With no rules the defaults apply.
func NewFilter(rules ...Rule) *Filter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Filter{rules: rules}
}

// Apply rewrites content through every rule in order and returns the result.
func (f *Filter) Apply(content string) string {
	if content == "" {
		return content
	}
	for _, rule := range f.rules {
		content = rule.Pattern.ReplaceAllString(content, rule.Replacement)
	}
	return content
}

// maxCarry bounds the held-back tail. Content that keeps looking like one
// endless credential is force-flushed beyond this.
const maxCarry = 256

// Stream applies a Filter to content that arrives in deltas. Feed returns
// what is safe to emit now; a tail that could still complete a credential
// shape in a later delta stays buffered until more input arrives or Flush
// is called. Create one Stream per request; it is not safe for concurrent
// use.
type Stream struct {
	f     *Filter
	carry string
}

// Stream returns a fresh per-request stream over the filter's rules.
func (f *Filter) Stream() *Stream { return &Stream{f: f} }

// Feed consumes the next content delta and returns the redacted text that
// can no longer be part of a cross-delta match.
func (s *Stream) Feed(delta string) string {
	raw := s.carry + delta
	cut := holdFrom(raw)
	if len(raw)-cut > maxCarry {
		cut = len(raw)
	}
	s.carry = raw[cut:]
	if cut == 0 {
		return ""
	}
	return s.f.Apply(raw[:cut])
}

// Flush redacts and returns whatever is still held back, resetting the
// stream. Call it when the upstream stream ends.
func (s *Stream) Flush() string {
	if s.carry == "" {
		return ""
	}
	out := s.f.Apply(s.carry)
	s.carry = ""
	return out
}

var (
	// Leading markers of single-token credentials from DefaultRules.
	tokenMarkers = []string{"sk-", "AKIA", "ya29.", "xoxb-", "xoxp-", "xoxr-", "xoxs-", "ghp_"}

	credentialKeywords = []string{"password", "passwd", "secret", "token", "apikey", "api_key", "api-key"}

	digitRun   = regexp.MustCompile(`^\d[\d-]*$`)
	base64Run  = regexp.MustCompile(`^[A-Za-z0-9+/]{20,}={0,2}$`)
	keyedValue = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key)[=:]`)
)

// holdFrom returns the index where a potential cross-delta credential match
// begins, or len(raw) when the whole tail is safe to emit.
func holdFrom(raw string) int {
	end := len(raw)
	tstart := tokenStart(raw, end)

	// Walk left over tokens that join credential spans: card digit groups
	// and "password =" style key/value heads.
	chain := tstart
	for chain > 0 {
		j := skipSpacesLeft(raw, chain)
		s := tokenStart(raw, j)
		if s == j || !joinerToken(raw[s:j]) {
			break
		}
		chain = s
	}
	if chain < tstart {
		return chain
	}
	if tstart < end && suspectToken(raw[tstart:end]) {
		return tstart
	}
	return end
}

// suspectToken reports whether the trailing token could be the start of a
// credential that finishes in a later delta.
func suspectToken(tok string) bool {
	for _, m := range tokenMarkers {
		if strings.HasPrefix(tok, m) || strings.HasPrefix(m, tok) {
			return true
		}
	}
	if strings.Contains(tok, "://") {
		return true
	}
	if digitRun.MatchString(tok) || base64Run.MatchString(tok) {
		return true
	}
	if keyedValue.MatchString(tok) {
		return true
	}
	lower := strings.ToLower(tok)
	for _, kw := range credentialKeywords {
		if strings.HasPrefix(kw, lower) {
			return true
		}
	}
	return false
}

// joinerToken reports whether tok can sit inside a credential span that
// continues to its right: a card digit group, a bare joiner, or a
// credential keyword awaiting its value.
func joinerToken(tok string) bool {
	if digitRun.MatchString(tok) {
		return true
	}
	if strings.HasSuffix(tok, "=") || strings.HasSuffix(tok, ":") {
		return true
	}
	lower := strings.ToLower(tok)
	for _, kw := range credentialKeywords {
		if lower == kw {
			return true
		}
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// tokenStart returns the start index of the token ending at i.
func tokenStart(raw string, i int) int {
	for i > 0 && !isSpace(raw[i-1]) {
		i--
	}
	return i
}

// skipSpacesLeft returns the index just past the token preceding position i.
func skipSpacesLeft(raw string, i int) int {
	for i > 0 && isSpace(raw[i-1]) {
		i--
	}
	return i
}
