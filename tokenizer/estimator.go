package tokenizer

import (
	"math"

	"github.com/convoflow-dev/convoflow/types"
)

const (
	// Average chars per token: ~4 for ASCII text, ~1.5 for CJK. The split
	// keeps estimates closer to reality than a naive len/4 for mixed text.
	asciiCharsPerToken = 4.0
	cjkCharsPerToken   = 1.5

	// Fixed per-message overhead for role markers and separators.
	messageOverhead = 4

	// Per-tool-call overhead for the call envelope.
	toolCallOverhead = 6
)

// Estimator is a character-count-based token estimator. It never undershoots
// on ASCII text: fractional tokens round up, and non-empty text always
// counts at least one token. Estimates may overshoot the true count for
// symbol-heavy input; that imprecision is accepted in exchange for having
// no dependency on model-specific vocabularies.
type Estimator struct{}

// NewEstimator creates the generic character-ratio estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjkCount, otherCount int
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		} else {
			otherCount++
		}
	}

	estimated := int(math.Ceil(float64(cjkCount)/cjkCharsPerToken + float64(otherCount)/asciiCharsPerToken))
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func (e *Estimator) CountMessageTokens(msg types.Message) int {
	tokens := messageOverhead
	tokens += e.CountTokens(msg.Content)

	for _, tc := range msg.ToolCalls {
		tokens += toolCallOverhead
		tokens += e.CountTokens(tc.Name)
		tokens += int(math.Ceil(float64(len(tc.Arguments)) / asciiCharsPerToken))
	}
	for _, tr := range msg.ToolResults {
		tokens += e.CountTokens(tr.Content)
		tokens += 1 // result/call linkage id
	}
	return tokens
}

func (e *Estimator) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.CountMessageTokens(msg)
	}
	return total
}

func (e *Estimator) Name() string {
	return "estimator"
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
