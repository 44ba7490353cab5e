package recall

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/convoflow-dev/convoflow/budget"
)

// blockHeader introduces the recall layer so the model knows the text is
// historical, not part of the live conversation.
const blockHeader = "Relevant context from earlier conversations:"

// Hybrid is an in-memory Recaller that BM25-scores two sources, the
// conversation archive and daily notes, and merges them into one block.
type Hybrid struct {
	mu    sync.RWMutex
	conv  *index
	daily *index

	budget *budget.Budgeter
	log    *zap.Logger
}

// NewHybrid creates an empty Hybrid recaller. A nil budgeter selects the
// default estimator; a nil logger disables diagnostics.
func NewHybrid(bud *budget.Budgeter, log *zap.Logger) *Hybrid {
	if bud == nil {
		bud = budget.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hybrid{
		conv:   newIndex(nil),
		daily:  newIndex(nil),
		budget: bud,
		log:    log,
	}
}

// Index replaces the searchable corpus. Entries flagged Daily go to the
// daily source, the rest to the conversation source.
func (h *Hybrid) Index(entries []Entry) {
	var conv, daily []Entry
	for _, entry := range entries {
		if entry.Daily {
			daily = append(daily, entry)
		} else {
			conv = append(conv, entry)
		}
	}

	h.mu.Lock()
	h.conv = newIndex(conv)
	h.daily = newIndex(daily)
	h.mu.Unlock()

	h.log.Debug("recall corpus indexed",
		zap.Int("conversation_entries", len(conv)),
		zap.Int("daily_entries", len(daily)))
}

// Recall searches the sources in parallel, merges their normalized scores
// and renders the top entries as one text block bounded by cfg.MaxTokens.
func (h *Hybrid) Recall(ctx context.Context, query string, cfg Config) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}

	h.mu.RLock()
	conv, daily := h.conv, h.daily
	h.mu.RUnlock()

	var convHits, dailyHits []scored
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		convHits = normalize(conv.search(query))
		return nil
	})
	if cfg.IncludeDaily {
		g.Go(func() error {
			dailyHits = normalize(daily.search(query))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	merged := append(convHits, dailyHits...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].score > merged[j].score
	})

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultConfig().MaxResults
	}
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	if len(merged) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(blockHeader)
	for _, hit := range merged {
		sb.WriteString("\n- ")
		sb.WriteString(strings.TrimSpace(hit.entry.Content))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultConfig().MaxTokens
	}
	block := h.budget.Truncate(sb.String(), maxTokens)

	h.log.Debug("recall block built",
		zap.Int("hits", len(merged)),
		zap.Int("tokens", h.budget.EstimateTokens(block)))
	return block, nil
}
