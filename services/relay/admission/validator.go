// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission gates every inbound message before it becomes work.
//
// Two independent gates must both pass: content validation (size limits and
// a prompt-injection pattern scan) and rate limiting. Rejections stemming
// from the content scan deliberately return a generic message; the matched
// pattern is logged server-side but never echoed to the client, so an
// attacker cannot probe which filters exist.
package admission

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// MaxMessageChars is the inbound message size ceiling.
const MaxMessageChars = 4000

// Validation errors. ErrSuspiciousContent never names the tripped pattern.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrSuspiciousContent = errors.New("message contains suspicious content")
)

// injectionPattern is one prompt-injection detection rule.
//
// The regex is compiled lazily under sync.Once so constructing the table is
// free and compilation happens at most once per process.
type injectionPattern struct {
	name     string
	pattern  string
	compiled *regexp.Regexp
	once     sync.Once
}

func (p *injectionPattern) match(content string) bool {
	p.once.Do(func() {
		p.compiled = regexp.MustCompile(p.pattern)
	})
	return p.compiled.MatchString(content)
}

// injectionPatterns is the closed rule set run against every message.
// Order matters only for which rule gets logged on multi-match.
var injectionPatterns = []*injectionPattern{
	{
		name:    "instruction_override",
		pattern: `(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`,
	},
	{
		name:    "role_manipulation",
		pattern: `(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are))\s+(a\s+|an\s+)?(developer\s+mode|dan\b|jailbroken|unrestricted|evil)`,
	},
	{
		name:    "system_role_marker",
		pattern: `(?im)^\s*(system|assistant)\s*:\s*`,
	},
	{
		name:    "control_tokens",
		pattern: `<\|[a-z_]+\|>|\[/?(INST|SYS)\]|<<SYS>>`,
	},
	{
		name:    "jailbreak_phrases",
		pattern: `(?i)(do\s+anything\s+now|no\s+restrictions\s+apply|without\s+any\s+(filters?|restrictions?|limitations?)|bypass\s+(your\s+)?(safety|guidelines|filters?))`,
	},
	{
		name:    "code_execution",
		pattern: "(?i)(os\\.system|subprocess\\.|eval\\s*\\(|exec\\s*\\(|__import__|`\\s*rm\\s+-rf)",
	},
}

// controlTokenStripper removes model control tokens during sanitization.
var controlTokenStripper = regexp.MustCompile(`<\|[a-z_]+\|>|\[/?(INST|SYS)\]|<<SYS>>|</?s>`)

// roleMarkerNeutralizer matches role markers at line starts.
var roleMarkerNeutralizer = regexp.MustCompile(`(?im)^(\s*)(system|assistant|user)(\s*):`)

// Thresholds for the ratio heuristics.
const (
	specialCharRatioLimit       = 0.30
	repeatedTokenRatioThreshold = 0.50
	ratioMinLength              = 24
)

// Validator screens and sanitizes inbound message text.
//
// Thread Safety: Safe for concurrent use.
type Validator struct {
	maxChars int
	logger   *slog.Logger
}

// NewValidator creates a validator with the given size ceiling.
// maxChars defaults to MaxMessageChars when <= 0.
func NewValidator(maxChars int, logger *slog.Logger) *Validator {
	if maxChars <= 0 {
		maxChars = MaxMessageChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{maxChars: maxChars, logger: logger}
}

// ValidateAndSanitize runs the full content gate.
//
// Description:
//
//	Rejects empty and oversized messages, runs the injection pattern scan
//	and the ratio heuristics, then sanitizes the surviving text (control
//	tokens stripped, role markers neutralized). The returned string is the
//	only form of the message that may reach a provider prompt.
//
// Inputs:
//
//	message - Raw message text from the client frame.
//
// Outputs:
//
//	string - Sanitized message text, empty on rejection.
//	error - ErrEmptyMessage, ErrMessageTooLong, or ErrSuspiciousContent.
func (v *Validator) ValidateAndSanitize(message string) (string, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len(trimmed) > v.maxChars {
		return "", ErrMessageTooLong
	}

	for _, p := range injectionPatterns {
		if p.match(trimmed) {
			v.logger.Warn("message rejected by injection scan",
				"pattern", p.name,
				"length", len(trimmed))
			return "", ErrSuspiciousContent
		}
	}

	if ratio := specialCharRatio(trimmed); ratio > specialCharRatioLimit {
		v.logger.Warn("message rejected by injection scan",
			"pattern", "special_char_ratio",
			"ratio", ratio)
		return "", ErrSuspiciousContent
	}
	if ratio := repeatedTokenRatio(trimmed); ratio > repeatedTokenRatioThreshold {
		v.logger.Warn("message rejected by injection scan",
			"pattern", "repeated_token_ratio",
			"ratio", ratio)
		return "", ErrSuspiciousContent
	}

	return Sanitize(trimmed), nil
}

// Sanitize strips control tokens and neutralizes role markers.
//
// Sanitization runs on text that already passed the scan; it exists to
// defang constructs that are individually harmless but should never be
// forwarded verbatim inside a prompt.
func Sanitize(message string) string {
	out := controlTokenStripper.ReplaceAllString(message, "")
	out = roleMarkerNeutralizer.ReplaceAllString(out, "$1$2$3 -")
	return strings.TrimSpace(out)
}

// specialCharRatio reports the fraction of characters that are neither
// letters, digits, nor common punctuation/whitespace.
func specialCharRatio(s string) float64 {
	if len(s) < ratioMinLength {
		return 0
	}
	special := 0
	total := 0
	for _, r := range s {
		total++
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '\n', r == '\t':
		case strings.ContainsRune(".,!?'\"-:;()", r):
		default:
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}

// repeatedTokenRatio reports the fraction of whitespace tokens that repeat
// the single most common token. High values indicate token-flooding.
func repeatedTokenRatio(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) < 8 {
		return 0
	}
	counts := make(map[string]int, len(fields))
	max := 0
	for _, f := range fields {
		counts[f]++
		if counts[f] > max {
			max = counts[f]
		}
	}
	return float64(max) / float64(len(fields))
}
