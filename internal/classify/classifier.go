// Package classify scores inbound request complexity from text features.
// Classification is a pure function: it never errors and never suspends,
// and malformed or empty input falls open to the lowest score so the
// router sends it to the cheapest tier.
package classify

import (
	"regexp"
	"strings"
)

var (
	codeRegex     = regexp.MustCompile("(?i)\\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\\b")
	reasonRegex   = regexp.MustCompile("(?i)\\b(analyze|reason|think through|derive|prove|why|tradeoff|compare)\\b")
	multiRegex    = regexp.MustCompile("(?i)\\b(first|then|after that|next|finally|step \\d|step by step)\\b")
	numberedList  = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	markdownCode  = regexp.MustCompile("```")
	questionRegex = regexp.MustCompile(`\?`)
)

// Score is the complexity assessment of one request. Value is in [0,1];
// the remaining fields form the task profile that produced it.
type Score struct {
	Value        float64
	LengthTokens int
	Questions    int
	MultiStep    bool
	HasCode      bool
	Reasoning    bool
}

// Classify scores the request text. The score is a weighted blend of
// length, question structure, and multi-step cues, clamped to [0,1].
func Classify(text string) Score {
	content := strings.TrimSpace(text)
	if content == "" {
		return Score{}
	}

	// Rough token estimate; providers average ~4 bytes per token.
	tokens := len(content) / 4
	if tokens == 0 {
		tokens = 1
	}

	s := Score{
		LengthTokens: tokens,
		Questions:    len(questionRegex.FindAllString(content, -1)),
		MultiStep:    multiRegex.MatchString(content) || numberedList.MatchString(content),
		HasCode:      markdownCode.MatchString(content) || codeRegex.MatchString(content),
		Reasoning:    reasonRegex.MatchString(content),
	}

	// Length contributes up to 0.4, saturating around 1000 tokens.
	value := float64(tokens) / 1000 * 0.4
	if value > 0.4 {
		value = 0.4
	}

	if s.MultiStep {
		value += 0.25
	}
	if s.Reasoning {
		value += 0.2
	}
	if s.HasCode {
		value += 0.15
	}
	if s.Questions > 1 {
		value += 0.1
	}

	if value > 1 {
		value = 1
	}
	s.Value = value
	return s
}
