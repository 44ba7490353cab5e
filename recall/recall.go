// Package recall retrieves short blocks of topically related historical
// text for the latest user utterance. Recall is advisory: callers treat
// an error or an empty result the same way, by omitting the recall layer.
package recall

import (
	"context"
	"time"
)

// Config controls a single recall query.
type Config struct {
	// MaxResults caps how many entries contribute to the block.
	MaxResults int `json:"max_results" yaml:"max_results"`
	// MaxTokens caps the estimated token cost of the returned block.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
	// IncludeDaily also searches daily notes alongside conversation history.
	IncludeDaily bool `json:"include_daily" yaml:"include_daily"`
}

// DefaultConfig returns the recall defaults.
func DefaultConfig() Config {
	return Config{
		MaxResults:   5,
		MaxTokens:    500,
		IncludeDaily: false,
	}
}

// Recaller turns a query into a block of related historical text. An empty
// string means nothing relevant was found.
type Recaller interface {
	Recall(ctx context.Context, query string, cfg Config) (string, error)
}

// Func adapts a plain function to the Recaller interface.
type Func func(ctx context.Context, query string, cfg Config) (string, error)

// Recall implements Recaller.
func (f Func) Recall(ctx context.Context, query string, cfg Config) (string, error) {
	return f(ctx, query, cfg)
}

// Entry is one searchable unit of historical text.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Daily     bool      `json:"daily,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
