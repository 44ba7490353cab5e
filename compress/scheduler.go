// Package compress condenses older session history into the memory
// summary, keeping a trailing window of recent messages intact.
package compress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/convoflow-dev/convoflow/budget"
	"github.com/convoflow-dev/convoflow/types"
)

// State describes where a session sits in the compression cycle.
type State int

const (
	// StateFresh means the message count is within the threshold.
	StateFresh State = iota
	// StateCompressionDue means the count exceeds the threshold.
	StateCompressionDue
	// StateCompressing means a summarization call is outstanding.
	StateCompressing
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateCompressionDue:
		return "compression_due"
	case StateCompressing:
		return "compressing"
	default:
		return "unknown"
	}
}

// Config controls when compression triggers and how much survives it.
type Config struct {
	// KeepRecentMessages is the trailing window that never gets compressed.
	// Compression triggers when the message count exceeds twice this value.
	KeepRecentMessages int `json:"keep_recent_messages" yaml:"keep_recent_messages"`
	// MaxSummaryTokens caps the memory summary after each compression.
	MaxSummaryTokens int `json:"max_summary_tokens" yaml:"max_summary_tokens"`
	// SnippetTokens caps each message when formatting for the summarizer.
	SnippetTokens int `json:"snippet_tokens" yaml:"snippet_tokens"`
	// SummarizeTimeout bounds the external summarization call.
	SummarizeTimeout time.Duration `json:"summarize_timeout" yaml:"summarize_timeout"`
	// MinInterval rate-limits summarizer calls across sessions. Zero
	// disables the limit.
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
}

// DefaultConfig returns the compression defaults.
func DefaultConfig() Config {
	return Config{
		KeepRecentMessages: 10,
		MaxSummaryTokens:   500,
		SnippetTokens:      200,
		SummarizeTimeout:   30 * time.Second,
	}
}

// Scheduler decides when a session needs compression, selects the slice to
// condense and commits the result atomically.
type Scheduler struct {
	cfg     Config
	budget  *budget.Budgeter
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewScheduler creates a Scheduler. A nil budgeter selects the default
// estimator; a nil logger disables diagnostics.
func NewScheduler(cfg Config, bud *budget.Budgeter, log *zap.Logger) *Scheduler {
	if cfg.KeepRecentMessages <= 0 {
		cfg.KeepRecentMessages = DefaultConfig().KeepRecentMessages
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = DefaultConfig().MaxSummaryTokens
	}
	if cfg.SnippetTokens <= 0 {
		cfg.SnippetTokens = DefaultConfig().SnippetTokens
	}
	if cfg.SummarizeTimeout <= 0 {
		cfg.SummarizeTimeout = DefaultConfig().SummarizeTimeout
	}
	if bud == nil {
		bud = budget.New(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Scheduler{cfg: cfg, budget: bud, limiter: limiter, log: log}
}

// NeedsCompression reports whether the session's history has outgrown
// twice the trailing window.
func (s *Scheduler) NeedsCompression(session *types.Session) bool {
	return session != nil && len(session.Messages) > 2*s.cfg.KeepRecentMessages
}

// SessionState returns the session's position in the compression cycle as
// visible from outside a Run call.
func (s *Scheduler) SessionState(session *types.Session) State {
	if s.NeedsCompression(session) {
		return StateCompressionDue
	}
	return StateFresh
}

// SelectForCompression returns every message older than the trailing
// window, oldest first. The result aliases nothing in the session.
func (s *Scheduler) SelectForCompression(session *types.Session) []types.Message {
	if session == nil || len(session.Messages) <= s.cfg.KeepRecentMessages {
		return nil
	}
	cut := len(session.Messages) - s.cfg.KeepRecentMessages
	return types.CloneMessages(session.Messages[:cut])
}

// FormatForSummary renders the selected slice as compact role-tagged text,
// one line per message, each snippet truncated aggressively. The output is
// what gets handed to the summarization collaborator.
func (s *Scheduler) FormatForSummary(msgs []types.Message) string {
	var sb strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("] ")

		content := msg.Content
		if msg.Role == types.RoleAssistant && msg.HasToolCalls() {
			names := make([]string, len(msg.ToolCalls))
			for j, call := range msg.ToolCalls {
				names[j] = call.Name
			}
			if content != "" {
				content += " "
			}
			content += fmt.Sprintf("(called %s)", strings.Join(names, ", "))
		}
		if msg.Role == types.RoleTool && content == "" {
			for _, res := range msg.ToolResults {
				content = res.Content
				break
			}
		}
		sb.WriteString(s.budget.Truncate(strings.ReplaceAll(content, "\n", " "), s.cfg.SnippetTokens))
	}
	return sb.String()
}

// ApplyCompression commits a compression: the session keeps only the
// trailing window and memorySummary becomes newSummary truncated to the
// summary ceiling. The transition is atomic, a rejected summary leaves the
// session untouched.
func (s *Scheduler) ApplyCompression(session *types.Session, newSummary string) error {
	if session == nil {
		return types.NewError(types.ErrInvalidRequest, "nil session")
	}
	if strings.TrimSpace(newSummary) == "" {
		return types.NewError(types.ErrCompressionFailed, "refusing to drop history for an empty summary")
	}

	kept := session.Messages
	if len(kept) > s.cfg.KeepRecentMessages {
		kept = kept[len(kept)-s.cfg.KeepRecentMessages:]
	}

	session.Messages = types.CloneMessages(kept)
	session.MemorySummary = s.budget.Truncate(newSummary, s.cfg.MaxSummaryTokens)
	session.LastActiveAt = time.Now().UTC()
	return nil
}

// Run performs one full compression cycle on the session if due: select,
// format, summarize under a bounded timeout, commit. It returns true only
// when a compression was committed. Summarizer failure or timeout leaves
// the session bit-identical and the cycle retries on the next trigger.
//
// The caller must hold the session's turn lock.
func (s *Scheduler) Run(ctx context.Context, session *types.Session, summarizer Summarizer) (bool, error) {
	if !s.NeedsCompression(session) {
		return false, nil
	}
	if summarizer == nil {
		return false, types.NewError(types.ErrCompressionFailed, "no summarizer configured")
	}
	if !s.limiter.Allow() {
		s.log.Debug("compression deferred by rate limit",
			zap.String("session_id", session.ID))
		return false, nil
	}

	selected := s.SelectForCompression(session)
	formatted := s.FormatForSummary(selected)

	s.log.Info("compressing session history",
		zap.String("session_id", session.ID),
		zap.String("state", StateCompressing.String()),
		zap.Int("selected", len(selected)),
		zap.Int("total", len(session.Messages)))

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
	defer cancel()

	summary, err := summarizer.Summarize(callCtx, session.MemorySummary, formatted)
	if err != nil {
		s.log.Warn("summarizer failed, keeping session unchanged",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return false, types.NewError(types.ErrCompressionFailed, "summarization failed").
			WithCause(err).WithRetryable(true)
	}

	if err := s.ApplyCompression(session, summary); err != nil {
		return false, err
	}

	s.log.Info("compression committed",
		zap.String("session_id", session.ID),
		zap.String("state", StateFresh.String()),
		zap.Int("kept", len(session.Messages)),
		zap.Int("summary_tokens", s.budget.EstimateTokens(session.MemorySummary)))
	return true, nil
}
