/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sanitize is the input boundary for untrusted text. Every string
// received from a forge (issue bodies, comments, PR descriptions) passes
// through Sanitize before it reaches an LLM prompt; the recorded pattern
// hits feed the threat classifier as static evidence.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxLength is the truncation cap applied after pattern stripping.
const MaxLength = 4000

const (
	htmlCommentToken = "[HTML_COMMENT_REMOVED]"
	truncationMarker = "\n[TRUNCATED]"
)

// Result is the sanitizer output. The caller's original string is never
// mutated; downstream components use Sanitized for LLM input and consult
// StrippedPatterns for threat evidence.
type Result struct {
	Sanitized        string
	StrippedPatterns []string
	Truncated        bool
	OriginalLength   int
}

// Pattern is one entry in the injection catalog.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// Catalog groups pattern names into the categories the threat classifier
// keys on.
var (
	// OverridePatterns attempt to replace the model's instructions.
	OverridePatterns = map[string]bool{
		"instruction_override": true, "role_switch": true, "jailbreak": true, "token_injection": true, "role_injection": true,
	}
	// ExfiltrationPatterns probe for the system prompt.
	ExfiltrationPatterns = map[string]bool{"exfiltration": true}
	// EscalationPatterns ask the agent to take privileged actions.
	EscalationPatterns = map[string]bool{"privilege_escalation": true}
)

var patterns = []Pattern{
	{"instruction_override", regexp.MustCompile(`(?i)ignore (all )?previous instructions`)},
	{"instruction_override", regexp.MustCompile(`(?i)disregard (all )?previous`)},
	{"instruction_override", regexp.MustCompile(`(?i)forget( your| all)? instructions`)},
	{"instruction_override", regexp.MustCompile(`(?i)override (the )?system prompt`)},
	{"instruction_override", regexp.MustCompile(`(?i)new instructions:`)},
	{"role_switch", regexp.MustCompile(`(?i)you are now an?\s`)},
	{"role_switch", regexp.MustCompile(`(?i)\bact as\s`)},
	{"role_switch", regexp.MustCompile(`(?i)\bpretend to be\s`)},
	{"jailbreak", regexp.MustCompile(`\bDAN\b`)},
	{"jailbreak", regexp.MustCompile(`(?i)developer mode`)},
	{"jailbreak", regexp.MustCompile(`(?i)do anything now`)},
	{"jailbreak", regexp.MustCompile(`(?i)jailbreak`)},
	{"token_injection", regexp.MustCompile(`<\|im_start\|>|<\|im_end\|>|<\|endoftext\|>`)},
	{"token_injection", regexp.MustCompile(`\[INST\]|<<SYS>>`)},
	{"role_injection", regexp.MustCompile(`(?im)^\s*(system|assistant|user)\s*:`)},
	{"exfiltration", regexp.MustCompile(`(?i)reveal your (system )?prompt`)},
	{"exfiltration", regexp.MustCompile(`(?i)what are your instructions`)},
	{"privilege_escalation", regexp.MustCompile(`(?i)merge this (pr|pull request)`)},
	{"privilege_escalation", regexp.MustCompile(`(?i)delete the repo`)},
	{"privilege_escalation", regexp.MustCompile(`(?i)grant me access`)},
	{"social_engineering", regexp.MustCompile(`(?i)\bemergency\b`)},
	{"social_engineering", regexp.MustCompile(`(?i)\burgent:`)},
	{"social_engineering", regexp.MustCompile(`(?i)i am the owner`)},
	{"social_engineering", regexp.MustCompile(`(?i)\btrust me\b`)},
	{"social_engineering", regexp.MustCompile(`(?i)i authorized this`)},
}

var (
	redactionTokenRe = regexp.MustCompile(`\[REDACTED:[a-z_]+\]`)

	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	// Invisible characters: zero-width, bidi controls, BOM, replacement
	// character, soft hyphen, line/paragraph separators.
	invisibleRe = regexp.MustCompile(`[\x{200B}-\x{200F}\x{202A}-\x{202E}\x{2066}-\x{2069}\x{FEFF}\x{FFFD}\x{00AD}\x{2028}\x{2029}]`)
	base64Re    = regexp.MustCompile(`[A-Za-z0-9+/]{100,}={0,2}`)
)

// Sanitize scrubs untrusted text. The steps run in a fixed order:
// HTML comments, invisible characters, injection patterns, base64
// recording, truncation.
func Sanitize(input string) Result {
	res := Result{OriginalLength: len(input)}

	s := htmlCommentRe.ReplaceAllString(input, htmlCommentToken)
	s = invisibleRe.ReplaceAllString(s, "")

	for _, p := range patterns {
		replaced, hit := redact(s, p.re, "[REDACTED:"+p.Name+"]")
		if !hit {
			continue
		}
		s = replaced
		res.StrippedPatterns = append(res.StrippedPatterns, p.Name)
	}

	// Long base64 runs are recorded as evidence but left in place; they
	// may be legitimate payloads (screenshots, logs).
	if base64Re.MatchString(s) {
		res.StrippedPatterns = append(res.StrippedPatterns, "base64_run")
	}

	if len(s) > MaxLength {
		cut := MaxLength - len(truncationMarker)
		// Never split a redaction token: an exposed fragment could
		// re-match its pattern on a later pass.
		if i := strings.LastIndex(s[:cut], "[REDACTED:"); i >= 0 && !strings.Contains(s[i:cut], "]") {
			cut = i
		}
		s = s[:cut] + truncationMarker
		res.Truncated = true
	}

	res.Sanitized = s
	return res
}

// redact replaces matches of re with token. Matches that fall inside an
// existing redaction token are left alone, so sanitizing already-sanitized
// text is a no-op even for patterns (like "jailbreak") whose name would
// otherwise match its own token.
func redact(s string, re *regexp.Regexp, token string) (string, bool) {
	matches := re.FindAllStringIndex(s, -1)
	if matches == nil {
		return s, false
	}
	existing := redactionTokenRe.FindAllStringIndex(s, -1)
	inToken := func(start, end int) bool {
		for _, t := range existing {
			if start >= t[0] && end <= t[1] {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	last := 0
	hit := false
	for _, m := range matches {
		if inToken(m[0], m[1]) {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(token)
		last = m[1]
		hit = true
	}
	if !hit {
		return s, false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// HasAny reports whether any recorded pattern name is in the given set.
func (r Result) HasAny(set map[string]bool) bool {
	for _, name := range r.StrippedPatterns {
		if set[name] {
			return true
		}
	}
	return false
}
