package tokenizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/convoflow-dev/convoflow/types"
)

// Tiktoken wraps tiktoken for OpenAI-family models. Counting falls back to
// the estimator when the encoding fails to initialize (the BPE data may be
// fetched on first use), so callers always get a usable number.
type Tiktoken struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback *Estimator
}

// modelEncodings maps model names to their tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTiktoken creates a tiktoken-backed tokenizer for the given model.
// Unknown models default to cl100k_base.
func NewTiktoken(model string) *Tiktoken {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &Tiktoken{
		model:    model,
		encoding: encoding,
		fallback: NewEstimator(),
	}
}

// init lazily initializes the tiktoken encoding (may download data on first use).
func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tiktoken) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) CountMessageTokens(msg types.Message) int {
	tokens := messageOverhead
	tokens += t.CountTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		tokens += toolCallOverhead
		tokens += t.CountTokens(tc.Name)
		tokens += int(math.Ceil(float64(len(tc.Arguments)) / asciiCharsPerToken))
	}
	for _, tr := range msg.ToolResults {
		tokens += t.CountTokens(tr.Content)
		tokens += 1
	}
	return tokens
}

func (t *Tiktoken) CountMessagesTokens(msgs []types.Message) int {
	total := 0
	for _, msg := range msgs {
		total += t.CountMessageTokens(msg)
	}
	return total
}

func (t *Tiktoken) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterOpenAITokenizers registers tiktoken tokenizers for all known
// OpenAI models.
func RegisterOpenAITokenizers() {
	for model := range modelEncodings {
		Register(model, NewTiktoken(model))
	}
}
