package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/convoflow-dev/convoflow/types"
)

func TestTruncateShortTextUnchanged(t *testing.T) {
	b := New(nil)

	text := "hello world"
	assert.Equal(t, text, b.Truncate(text, 100))
}

func TestTruncateAppendsMarker(t *testing.T) {
	b := New(nil)

	text := strings.Repeat("abcd ", 200)
	got := b.Truncate(text, 50)

	require.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.LessOrEqual(t, b.EstimateTokens(got), 50)
	assert.Less(t, len(got), len(text))
}

func TestTruncateZeroBudget(t *testing.T) {
	b := New(nil)

	assert.Equal(t, "", b.Truncate("some text", 0))
	assert.Equal(t, "", b.Truncate("some text", -5))
}

func TestTruncateTinyBudgetOmitsMarker(t *testing.T) {
	b := New(nil)

	// Ceiling below the marker cost still yields a fitting result.
	got := b.Truncate(strings.Repeat("x", 1000), 2)
	assert.LessOrEqual(t, b.EstimateTokens(got), 2)
}

func TestTruncateCJK(t *testing.T) {
	b := New(nil)

	text := strings.Repeat("你好世界", 100)
	got := b.Truncate(text, 40)
	assert.LessOrEqual(t, b.EstimateTokens(got), 40)
}

func TestEstimateMessageTokens(t *testing.T) {
	b := New(nil)

	msg := types.NewUserMessage("how do I reset my password?")
	assert.Greater(t, b.EstimateMessageTokens(msg), 0)

	msgs := []types.Message{msg, types.NewAssistantMessage("click forgot password")}
	assert.Equal(t,
		b.EstimateMessageTokens(msgs[0])+b.EstimateMessageTokens(msgs[1]),
		b.EstimateMessagesTokens(msgs))
}

func TestTruncatePropertyWithinBudget(t *testing.T) {
	b := New(nil)

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		max := rapid.IntRange(1, 500).Draw(t, "max")

		got := b.Truncate(text, max)
		if b.EstimateTokens(got) > max {
			t.Fatalf("truncated text costs %d tokens, ceiling %d",
				b.EstimateTokens(got), max)
		}
	})
}

func TestTruncatePropertyIdempotent(t *testing.T) {
	b := New(nil)

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		max := rapid.IntRange(1, 500).Draw(t, "max")

		once := b.Truncate(text, max)
		twice := b.Truncate(once, max)
		if once != twice {
			t.Fatalf("truncate not idempotent: %q vs %q", once, twice)
		}
	})
}
