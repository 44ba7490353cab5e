package recall

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func corpus() []Entry {
	now := time.Now()
	return []Entry{
		{ID: "1", Content: "the user prefers dark roast coffee in the morning", Timestamp: now},
		{ID: "2", Content: "deployment pipeline failed on the staging cluster", Timestamp: now},
		{ID: "3", Content: "coffee machine in the office was replaced last week", Timestamp: now},
		{ID: "4", Content: "daily note: reviewed coffee budget for the team", Daily: true, Timestamp: now},
		{ID: "5", Content: "daily note: staging cluster certs rotated", Daily: true, Timestamp: now},
	}
}

func TestHybridRecallFindsRelevantEntries(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	got, err := h.Recall(context.Background(), "coffee preferences", DefaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.True(t, strings.HasPrefix(got, blockHeader))
	assert.Contains(t, got, "dark roast")
	assert.NotContains(t, got, "daily note")
}

func TestHybridRecallIncludesDaily(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	cfg := DefaultConfig()
	cfg.IncludeDaily = true

	got, err := h.Recall(context.Background(), "coffee budget", cfg)
	require.NoError(t, err)
	assert.Contains(t, got, "coffee budget")
}

func TestHybridRecallEmptyQuery(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	got, err := h.Recall(context.Background(), "   ", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHybridRecallNoMatches(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	got, err := h.Recall(context.Background(), "quantum chromodynamics", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHybridRecallEmptyCorpus(t *testing.T) {
	h := NewHybrid(nil, nil)

	got, err := h.Recall(context.Background(), "anything", DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHybridRecallRespectsMaxResults(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	cfg := DefaultConfig()
	cfg.MaxResults = 1
	cfg.IncludeDaily = true

	got, err := h.Recall(context.Background(), "coffee", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(got, "\n- "))
}

func TestHybridRecallRespectsTokenCeiling(t *testing.T) {
	var entries []Entry
	for i := 0; i < 20; i++ {
		entries = append(entries, Entry{
			ID:      string(rune('a' + i)),
			Content: strings.Repeat("coffee talk ", 100),
		})
	}
	h := NewHybrid(nil, nil)
	h.Index(entries)

	cfg := DefaultConfig()
	cfg.MaxTokens = 50

	got, err := h.Recall(context.Background(), "coffee", cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, NewHybrid(nil, nil).budget.EstimateTokens(got), 50)
}

func TestHybridRecallCancelledContext(t *testing.T) {
	h := NewHybrid(nil, nil)
	h.Index(corpus())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Recall(ctx, "coffee", DefaultConfig())
	assert.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(ctx context.Context, query string, cfg Config) (string, error) {
		return "block for " + query, nil
	})
	got, err := r.Recall(context.Background(), "q", Config{})
	require.NoError(t, err)
	assert.Equal(t, "block for q", got)
}

func TestBM25RanksExactSourceHigher(t *testing.T) {
	idx := newIndex([]Entry{
		{ID: "a", Content: "staging cluster deployment failed again"},
		{ID: "b", Content: "lunch menu for friday"},
	})

	hits := idx.search("staging deployment")
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].entry.ID)
	assert.Greater(t, hits[0].score, 0.0)
}
