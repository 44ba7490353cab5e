// Package budget provides token cost estimation and token-bounded
// truncation for context assembly.
//
// All operations are pure and total: any string input and any ceiling
// produce a result, truncation is lossy by design and never an error.
package budget

import (
	"github.com/convoflow-dev/convoflow/tokenizer"
	"github.com/convoflow-dev/convoflow/types"
)

// TruncationMarker is appended where text was cut at the tail.
const TruncationMarker = "...[truncated]"

// Budgeter estimates token costs and truncates text to token ceilings.
type Budgeter struct {
	tok tokenizer.Tokenizer
}

// New creates a Budgeter over the given tokenizer. A nil tokenizer selects
// the character-ratio estimator.
func New(tok tokenizer.Tokenizer) *Budgeter {
	if tok == nil {
		tok = tokenizer.NewEstimator()
	}
	return &Budgeter{tok: tok}
}

// EstimateTokens returns the estimated token count for the text.
func (b *Budgeter) EstimateTokens(text string) int {
	return b.tok.CountTokens(text)
}

// EstimateMessageTokens returns the estimated token count for one message.
func (b *Budgeter) EstimateMessageTokens(msg types.Message) int {
	return b.tok.CountMessageTokens(msg)
}

// EstimateMessagesTokens returns the estimated total for a message list.
func (b *Budgeter) EstimateMessagesTokens(msgs []types.Message) int {
	return b.tok.CountMessagesTokens(msgs)
}

// Truncate cuts text at the tail so its estimated token count is at most
// maxTokens, appending TruncationMarker when anything was removed. The
// operation is idempotent: re-truncating its own output with the same
// ceiling returns the output unchanged.
func (b *Budgeter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if b.tok.CountTokens(text) <= maxTokens {
		return text
	}

	runes := []rune(text)

	// Largest rune prefix whose cost plus the marker fits the ceiling.
	if b.tok.CountTokens(TruncationMarker) < maxTokens {
		if n := b.longestFitting(runes, maxTokens, TruncationMarker); n > 0 {
			return string(runes[:n]) + TruncationMarker
		}
	}

	// Ceiling too small for the marker: return the longest bare prefix.
	n := b.longestFitting(runes, maxTokens, "")
	return string(runes[:n])
}

// longestFitting binary-searches the largest prefix length n such that
// CountTokens(prefix+suffix) <= maxTokens. Token cost is monotone in the
// prefix length, which makes the search sound.
func (b *Budgeter) longestFitting(runes []rune, maxTokens int, suffix string) int {
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if b.tok.CountTokens(string(runes[:mid])+suffix) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
