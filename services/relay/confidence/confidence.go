// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confidence scores assistant responses against the tool evidence
// that produced them.
package confidence

import (
	"math"
	"strings"
	"time"
)

// Level is the banded confidence rating attached to a response.
type Level string

const (
	LevelHigh      Level = "HIGH"
	LevelMedium    Level = "MEDIUM"
	LevelLow       Level = "LOW"
	LevelUncertain Level = "UNCERTAIN"
)

// Band thresholds. Scores below LowThreshold are UNCERTAIN.
const (
	HighThreshold   = 0.8
	MediumThreshold = 0.6
	LowThreshold    = 0.4
)

const (
	// nearEmptyChars is the length under which a response is considered
	// empty of content.
	nearEmptyChars = 10

	// trivialChars is the length under which a response is too small to
	// demand tool grounding (greetings, acknowledgements).
	trivialChars = 40

	// citationSnippet is how much of a tool output must appear verbatim
	// in the response to count as a citation.
	citationSnippet = 40
)

// Deduction sizes.
const (
	deductEmpty         = 0.6
	deductFabrication   = 0.25
	deductOverconfident = 0.15
	deductNoCitation    = 0.1
	deductNoTools       = 0.05
)

// overconfidentPhrases are absolute claims a grounded response avoids.
var overconfidentPhrases = []string{
	"definitely",
	"guaranteed",
	"100% certain",
	"without a doubt",
	"i am certain",
	"this will always work",
}

// fabricationPhrases claim actions or observations the relay never performs.
var fabricationPhrases = []string{
	"i ran the code",
	"i executed",
	"i tested this myself",
	"as i observed when running",
	"i have verified on your machine",
}

// Check is the result of scoring one response.
type Check struct {
	Score     float64   `json:"score"`
	Level     Level     `json:"level"`
	Flags     []string  `json:"flags,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Score rates a response against the tool outputs available to it.
//
// Description:
//
//	Starts at 1.0 and applies deductions for empty content, overconfident
//	or fabricated phrasing, and ungrounded non-trivial claims. The score
//	is clamped to [0, 1] and banded; an empty response is always
//	UNCERTAIN regardless of the arithmetic. Flags name every deduction
//	applied.
//
// Inputs:
//
//	responseText - The assistant's final text.
//	toolOutputs - Raw outputs of tools invoked for this response. May be
//	  empty.
func Score(responseText string, toolOutputs []string) Check {
	check := Check{Score: 1.0, CheckedAt: time.Now()}
	text := strings.TrimSpace(responseText)
	lower := strings.ToLower(text)

	empty := len(text) < nearEmptyChars
	if empty {
		check.deduct(deductEmpty, "empty_response")
	}

	for _, phrase := range overconfidentPhrases {
		if strings.Contains(lower, phrase) {
			check.deduct(deductOverconfident, "overconfident_language")
			break
		}
	}

	for _, phrase := range fabricationPhrases {
		if strings.Contains(lower, phrase) {
			check.deduct(deductFabrication, "possible_fabrication")
			break
		}
	}

	if !empty && len(text) >= trivialChars {
		if len(toolOutputs) == 0 {
			check.deduct(deductNoTools, "no_tool_evidence")
		} else if !citesAny(text, toolOutputs) {
			check.deduct(deductNoCitation, "no_tool_citation")
		}
	}

	check.Score = math.Min(math.Max(check.Score, 0.0), 1.0)
	check.Level = band(check.Score)
	if empty {
		// An empty answer is never trustworthy, whatever the number says.
		check.Level = LevelUncertain
	}
	return check
}

func (c *Check) deduct(amount float64, flag string) {
	c.Score -= amount
	c.Flags = append(c.Flags, flag)
}

// citesAny reports whether the response quotes any tool output verbatim.
func citesAny(text string, toolOutputs []string) bool {
	for _, out := range toolOutputs {
		out = strings.TrimSpace(out)
		if out == "" {
			continue
		}
		snippet := out
		if len(snippet) > citationSnippet {
			snippet = snippet[:citationSnippet]
		}
		if strings.Contains(text, snippet) {
			return true
		}
	}
	return false
}

func band(score float64) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	case score >= LowThreshold:
		return LevelLow
	default:
		return LevelUncertain
	}
}
