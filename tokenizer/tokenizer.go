// Package tokenizer provides token counting for context budgeting.
//
// The default counter is a character-ratio estimator that is deliberately
// conservative: it rounds up, so budget decisions made on top of it never
// undershoot. A tiktoken-backed counter is available for OpenAI-family
// models when exact counts matter.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/convoflow-dev/convoflow/types"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count for the given text.
	CountTokens(text string) int

	// CountMessageTokens returns the token count for one message including
	// per-message overhead (role markers, separators, tool-call payloads).
	CountMessageTokens(msg types.Message) int

	// CountMessagesTokens returns the total token count for a message list.
	CountMessagesTokens(msgs []types.Message) int

	// Name returns the tokenizer's name.
	Name() string
}

// Global tokenizer registry, keyed by model name.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// Register registers a tokenizer for the given model name.
func Register(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// ForModel returns the tokenizer registered for the given model. It also
// tries prefix matching (e.g. "gpt-4o" matches "gpt-4o-mini").
func ForModel(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	// Longest prefix wins so "gpt-4o-audio" resolves via "gpt-4o", never
	// the shorter "gpt-4" entry.
	var (
		best    Tokenizer
		bestLen = -1
	)
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// ForModelOrEstimator returns the registered tokenizer for the model, or the
// generic estimator when none is registered.
func ForModelOrEstimator(model string) Tokenizer {
	t, err := ForModel(model)
	if err != nil {
		return NewEstimator()
	}
	return t
}
