package compress

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/convoflow-dev/convoflow/types"
)

// Summarizer condenses formatted message text into a replacement memory
// summary. oldSummary carries the previous summary so the collaborator can
// fold it in rather than lose it.
type Summarizer interface {
	Summarize(ctx context.Context, oldSummary, formatted string) (string, error)
}

// SummarizerFunc adapts a plain function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, oldSummary, formatted string) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, oldSummary, formatted string) (string, error) {
	return f(ctx, oldSummary, formatted)
}

// Fallback is a Summarizer that never calls out: it produces a crude
// statistical digest of the compressed slice. It exists so sessions keep
// compressing when no language-model collaborator is wired.
type Fallback struct{}

// Summarize implements Summarizer. It never fails.
func (Fallback) Summarize(_ context.Context, oldSummary, formatted string) (string, error) {
	lines := strings.Split(formatted, "\n")

	userCount, assistantCount, toolCount := 0, 0, 0
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "["+string(types.RoleUser)+"]"):
			userCount++
		case strings.HasPrefix(line, "["+string(types.RoleAssistant)+"]"):
			assistantCount++
		case strings.HasPrefix(line, "["+string(types.RoleTool)+"]"):
			toolCount++
		}
	}

	var parts []string
	if old := strings.TrimSpace(oldSummary); old != "" {
		parts = append(parts, old)
	}
	counts := fmt.Sprintf("Condensed %d user and %d assistant messages", userCount, assistantCount)
	if toolCount > 0 {
		counts += fmt.Sprintf(" and %d tool results", toolCount)
	}
	parts = append(parts, counts+".")

	if keywords := extractKeywords(lines, 5); len(keywords) > 0 {
		parts = append(parts, "Main topics: "+strings.Join(keywords, ", ")+".")
	}
	return strings.Join(parts, "\n"), nil
}

// extractKeywords returns the topK most frequent words longer than three
// characters, a rough topic signal.
func extractKeywords(lines []string, topK int) []string {
	wordCount := make(map[string]int)
	for _, line := range lines {
		for _, word := range strings.Fields(strings.ToLower(line)) {
			word = strings.Trim(word, ".,!?:;\"'()[]")
			if len(word) > 3 {
				wordCount[word]++
			}
		}
	}

	type wordFreq struct {
		word  string
		count int
	}
	freqs := make([]wordFreq, 0, len(wordCount))
	for word, count := range wordCount {
		freqs = append(freqs, wordFreq{word, count})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].count != freqs[j].count {
			return freqs[i].count > freqs[j].count
		}
		return freqs[i].word < freqs[j].word
	})

	if len(freqs) > topK {
		freqs = freqs[:topK]
	}
	out := make([]string, len(freqs))
	for i, f := range freqs {
		out[i] = f.word
	}
	return out
}
