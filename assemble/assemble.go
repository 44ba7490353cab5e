// Package assemble builds the final ordered message list for one turn:
// persona, scratchpad note, memory summary, recall block, then the
// repaired recent window.
//
// Assembly is read-only over the session and deterministic given session
// state and configuration. Failures of advisory collaborators degrade to
// a missing layer, never to an error.
package assemble

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow-dev/convoflow/budget"
	"github.com/convoflow-dev/convoflow/persona"
	"github.com/convoflow-dev/convoflow/recall"
	"github.com/convoflow-dev/convoflow/repair"
	"github.com/convoflow-dev/convoflow/types"
)

// Config carries the per-layer token ceilings. The ceilings are
// independent; there is no global rebalancing against MaxContextTokens,
// which is advisory only.
type Config struct {
	// MaxContextTokens is an informational total. Exceeding it is logged,
	// never corrected.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
	// MaxSummaryTokens caps the memory summary layer.
	MaxSummaryTokens int `json:"max_summary_tokens" yaml:"max_summary_tokens"`
	// KeepRecentMessages sizes the candidate window. Repair may exceed it.
	KeepRecentMessages int `json:"keep_recent_messages" yaml:"keep_recent_messages"`
	// MaxToolOutputTokens caps each tool output in the emitted window.
	MaxToolOutputTokens int `json:"max_tool_output_tokens" yaml:"max_tool_output_tokens"`
	// Recall configures the recall query.
	Recall recall.Config `json:"recall" yaml:"recall"`
}

// DefaultConfig returns the assembly defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens:    8000,
		MaxSummaryTokens:    500,
		KeepRecentMessages:  10,
		MaxToolOutputTokens: 600,
		Recall:              recall.DefaultConfig(),
	}
}

// Metrics counts assembly-side events: repair surgery and recall calls.
type Metrics interface {
	repair.Metrics
	RecordRecall(status string, duration time.Duration)
}

// Assembler builds turn contexts from session state.
type Assembler struct {
	cfg      Config
	budget   *budget.Budgeter
	repairer *repair.Repairer
	persona  persona.Source
	recaller recall.Recaller
	metrics  Metrics
	log      *zap.Logger
}

// New creates an Assembler. personaSrc may not be nil; recaller may be nil
// to disable the recall layer entirely.
func New(cfg Config, bud *budget.Budgeter, personaSrc persona.Source, recaller recall.Recaller, log *zap.Logger) *Assembler {
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = DefaultConfig().MaxSummaryTokens
	}
	if cfg.KeepRecentMessages <= 0 {
		cfg.KeepRecentMessages = DefaultConfig().KeepRecentMessages
	}
	if cfg.MaxToolOutputTokens <= 0 {
		cfg.MaxToolOutputTokens = DefaultConfig().MaxToolOutputTokens
	}
	if bud == nil {
		bud = budget.New(nil)
	}
	if personaSrc == nil {
		personaSrc = persona.Static(persona.DefaultPrompt)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{
		cfg:      cfg,
		budget:   bud,
		repairer: repair.New(log),
		persona:  personaSrc,
		recaller: recaller,
		log:      log,
	}
}

// SetMetrics attaches an event counter, shared with the repairer.
func (a *Assembler) SetMetrics(m Metrics) {
	a.metrics = m
	a.repairer.SetMetrics(m)
}

// BuildContext returns the ordered message list for one turn. The session
// is never mutated. The only errors are a nil session and context
// cancellation; every collaborator failure degrades to a missing layer.
func (a *Assembler) BuildContext(ctx context.Context, session *types.Session) ([]types.Message, error) {
	if session == nil {
		return nil, types.NewError(types.ErrSessionMissing, "nil session")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]types.Message, 0, a.cfg.KeepRecentMessages+4)

	// 1. Persona, sourced fresh every call so edits apply immediately.
	personaText, err := a.persona.Load(ctx)
	if err != nil {
		a.log.Warn("persona load failed, using default prompt",
			zap.String("session_id", session.ID), zap.Error(err))
		personaText = persona.DefaultPrompt
	}
	out = append(out, types.NewSystemMessage(personaText))

	// 2. Scratchpad progress note.
	if session.Scratchpad != nil && !session.Scratchpad.IsEmpty() {
		out = append(out, types.NewSystemMessage(renderScratchpad(session.Scratchpad)))
	}

	// 3. Memory summary, re-truncated in case the ceiling shrank since
	// the last compression.
	if session.MemorySummary != "" {
		summary := a.budget.Truncate(session.MemorySummary, a.cfg.MaxSummaryTokens)
		out = append(out, types.NewSystemMessage("Memory of earlier conversation:\n"+summary))
	}

	// 4. Recall block for the latest user utterance, advisory only.
	if block := a.recallBlock(ctx, session); block != "" {
		out = append(out, types.NewSystemMessage(block))
	}

	// 5-6. Candidate window, repaired against full history.
	window := session.Messages
	if len(window) > a.cfg.KeepRecentMessages {
		window = window[len(window)-a.cfg.KeepRecentMessages:]
	}
	repaired := a.repairer.Repair(window, session.Messages)

	// 7. Emit the repaired window, bounding each tool output.
	for _, msg := range repaired {
		out = append(out, a.boundToolOutput(msg))
	}

	if a.cfg.MaxContextTokens > 0 {
		if total := a.budget.EstimateMessagesTokens(out); total > a.cfg.MaxContextTokens {
			a.log.Debug("assembled context exceeds advisory total",
				zap.String("session_id", session.ID),
				zap.Int("tokens", total),
				zap.Int("advisory_max", a.cfg.MaxContextTokens))
		}
	}
	return out, nil
}

// recallBlock queries the recall collaborator with the latest user
// utterance. Any failure is absorbed.
func (a *Assembler) recallBlock(ctx context.Context, session *types.Session) string {
	if a.recaller == nil {
		return ""
	}
	query := session.LastUserContent()
	if strings.TrimSpace(query) == "" {
		return ""
	}

	start := time.Now()
	block, err := a.recaller.Recall(ctx, query, a.cfg.Recall)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordRecall("error", time.Since(start))
		}
		a.log.Warn("recall failed, omitting recall layer",
			zap.String("session_id", session.ID), zap.Error(err))
		return ""
	}
	if a.metrics != nil {
		status := "hit"
		if strings.TrimSpace(block) == "" {
			status = "empty"
		}
		a.metrics.RecordRecall(status, time.Since(start))
	}
	return block
}

// boundToolOutput truncates every tool result carried by msg to the tool
// output ceiling. The message is cloned before editing so the session's
// copy stays intact.
func (a *Assembler) boundToolOutput(msg types.Message) types.Message {
	if msg.Role != types.RoleTool || len(msg.ToolResults) == 0 {
		return msg
	}

	needsCut := false
	for _, res := range msg.ToolResults {
		if a.budget.EstimateTokens(res.Content) > a.cfg.MaxToolOutputTokens {
			needsCut = true
			break
		}
	}
	if !needsCut {
		return msg
	}

	clone := msg.Clone()
	for i := range clone.ToolResults {
		clone.ToolResults[i].Content = a.budget.Truncate(clone.ToolResults[i].Content, a.cfg.MaxToolOutputTokens)
	}
	return clone
}

// renderScratchpad formats the scratchpad as a progress note that pushes
// the model to keep iterating until nothing is pending.
func renderScratchpad(sp *types.Scratchpad) string {
	var sb strings.Builder
	sb.WriteString("Task progress so far:")

	if len(sp.Visited) > 0 {
		sb.WriteString("\n- Visited: ")
		sb.WriteString(strings.Join(sp.Visited, ", "))
	}
	if len(sp.Collected) > 0 {
		keys := make([]string, 0, len(sp.Collected))
		for k := range sp.Collected {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n- Collected:")
		for _, k := range keys {
			sb.WriteString("\n  - ")
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(sp.Collected[k])
		}
	}
	if len(sp.Pending) > 0 {
		sb.WriteString("\n- Pending: ")
		sb.WriteString(strings.Join(sp.Pending, ", "))
	}
	if sp.Progress != "" {
		sb.WriteString("\n- Notes: ")
		sb.WriteString(sp.Progress)
	}

	sb.WriteString("\nContinue working through the pending items until none remain.")
	return sb.String()
}
