// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package confidence

import (
	"strings"
	"testing"
)

func hasFlag(c Check, flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestScore_EmptyResponseIsUncertain(t *testing.T) {
	for _, text := range []string{"", "   ", "ok"} {
		c := Score(text, nil)
		if c.Level != LevelUncertain {
			t.Errorf("Score(%q).Level = %v, want UNCERTAIN", text, c.Level)
		}
		if c.Score >= 0.5 {
			t.Errorf("Score(%q).Score = %v, want < 0.5", text, c.Score)
		}
		if !hasFlag(c, "empty_response") {
			t.Errorf("Score(%q) missing empty_response flag", text)
		}
	}
}

func TestScore_CitedToolOutputScoresHigh(t *testing.T) {
	toolOut := "3 open pull requests: #12, #15, #19"
	response := "I checked the repository and found " + toolOut + ", the oldest is from March."

	c := Score(response, []string{toolOut})
	if c.Score < HighThreshold {
		t.Errorf("Score = %v, want >= %v", c.Score, HighThreshold)
	}
	if c.Level != LevelHigh {
		t.Errorf("Level = %v, want HIGH", c.Level)
	}
	if hasFlag(c, "no_tool_citation") {
		t.Error("citing response must not be flagged no_tool_citation")
	}
}

func TestScore_Deductions(t *testing.T) {
	longClaim := strings.Repeat("the deployment pipeline is configured this way ", 3)

	t.Run("overconfident language", func(t *testing.T) {
		c := Score("This is definitely the cause of your issue, no need to check further at all.", nil)
		if !hasFlag(c, "overconfident_language") {
			t.Errorf("flags = %v", c.Flags)
		}
	})

	t.Run("fabrication phrasing", func(t *testing.T) {
		c := Score("I ran the code on your environment and it passed all checks without problems.", nil)
		if !hasFlag(c, "possible_fabrication") {
			t.Errorf("flags = %v", c.Flags)
		}
		if c.Level == LevelHigh {
			t.Errorf("Level = %v, fabrication should not score HIGH", c.Level)
		}
	})

	t.Run("uncited tool output", func(t *testing.T) {
		c := Score(longClaim, []string{"completely unrelated tool output"})
		if !hasFlag(c, "no_tool_citation") {
			t.Errorf("flags = %v", c.Flags)
		}
	})

	t.Run("no tools at all", func(t *testing.T) {
		c := Score(longClaim, nil)
		if !hasFlag(c, "no_tool_evidence") {
			t.Errorf("flags = %v", c.Flags)
		}
		// A mild deduction: still HIGH.
		if c.Level != LevelHigh {
			t.Errorf("Level = %v, want HIGH", c.Level)
		}
	})

	t.Run("short answers exempt from grounding", func(t *testing.T) {
		c := Score("Sure, happy to help!", nil)
		if hasFlag(c, "no_tool_evidence") || hasFlag(c, "no_tool_citation") {
			t.Errorf("flags = %v", c.Flags)
		}
	})
}

func TestScore_DeductionsAccumulateAndClamp(t *testing.T) {
	text := "I ran the code and it definitely works, guaranteed. " +
		strings.Repeat("trust me on this one ", 4)
	c := Score(text, []string{"unrelated"})

	if c.Score < 0 || c.Score > 1 {
		t.Errorf("Score = %v, out of [0,1]", c.Score)
	}
	if len(c.Flags) < 3 {
		t.Errorf("flags = %v, want fabrication + overconfidence + citation", c.Flags)
	}
	if c.Level != LevelUncertain && c.Level != LevelLow {
		t.Errorf("Level = %v for score %v", c.Level, c.Score)
	}
}

func TestBand(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{1.0, LevelHigh},
		{0.8, LevelHigh},
		{0.79, LevelMedium},
		{0.6, LevelMedium},
		{0.59, LevelLow},
		{0.4, LevelLow},
		{0.39, LevelUncertain},
		{0.0, LevelUncertain},
	}
	for _, tc := range cases {
		if got := band(tc.score); got != tc.want {
			t.Errorf("band(%v) = %v, want %v", tc.score, got, tc.want)
		}
	}
}
