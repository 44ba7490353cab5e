package recall

import (
	"math"
	"sort"
	"strings"
)

// BM25 parameters, standard ranges: k1 in 1.2-2.0, b around 0.75.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// index is an immutable in-memory BM25 index over a set of entries.
type index struct {
	entries   []Entry
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

func newIndex(entries []Entry) *index {
	idx := &index{
		entries: entries,
		docLens: make([]int, len(entries)),
		idf:     make(map[string]float64),
	}

	totalLen := 0
	termDocCount := make(map[string]int)
	for i, entry := range entries {
		terms := tokenize(entry.Content)
		idx.docLens[i] = len(terms)
		totalLen += len(terms)

		seen := make(map[string]bool)
		for _, term := range terms {
			if !seen[term] {
				termDocCount[term]++
				seen[term] = true
			}
		}
	}

	if len(entries) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(entries))
	}

	n := float64(len(entries))
	for term, df := range termDocCount {
		idx.idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}
	return idx
}

// scored pairs one entry with its relevance score.
type scored struct {
	entry Entry
	score float64
}

// search scores every entry against the query and returns positive-scoring
// entries in descending score order.
func (idx *index) search(query string) []scored {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(idx.entries) == 0 {
		return nil
	}

	var results []scored
	for i, entry := range idx.entries {
		termFreq := make(map[string]int)
		for _, term := range tokenize(entry.Content) {
			termFreq[term]++
		}

		score := 0.0
		docLen := float64(idx.docLens[i])
		for _, qTerm := range queryTerms {
			tf, ok := termFreq[qTerm]
			if !ok {
				continue
			}
			numerator := float64(tf) * (bm25K1 + 1.0)
			denominator := float64(tf) + bm25K1*(1.0-bm25B+bm25B*(docLen/idx.avgDocLen))
			score += idx.idf[qTerm] * (numerator / denominator)
		}
		if score > 0 {
			results = append(results, scored{entry: entry, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	return results
}

// normalize min-max scales scores into [0,1] so keyword and daily results
// can be merged on a common scale.
func normalize(results []scored) []scored {
	if len(results) == 0 {
		return results
	}

	minScore, maxScore := math.MaxFloat64, -math.MaxFloat64
	for _, r := range results {
		minScore = math.Min(minScore, r.score)
		maxScore = math.Max(maxScore, r.score)
	}

	out := make([]scored, len(results))
	scoreRange := maxScore - minScore
	for i, r := range results {
		if scoreRange == 0 {
			r.score = 1.0
		} else {
			r.score = (r.score - minScore) / scoreRange
		}
		out[i] = r
	}
	return out
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
