// Package repair restores protocol-valid tool-call/tool-result ordering
// within a candidate message window, drawing missing messages from the
// full session history.
//
// Repair is a total function: any window and any history, including empty
// or corrupted ones, produce a valid result. It prefers completeness over
// window size, so the repaired window may be longer than the candidate.
package repair

import (
	"go.uber.org/zap"

	"github.com/convoflow-dev/convoflow/types"
)

// Metrics counts repair events. Satisfied by the engine's Prometheus
// collector.
type Metrics interface {
	RecordRepairDrop(reason string)
	RecordRepairSplice()
}

// Repairer rebuilds candidate windows into protocol-valid ones.
type Repairer struct {
	log     *zap.Logger
	metrics Metrics
}

// New creates a Repairer. A nil logger disables diagnostics.
func New(log *zap.Logger) *Repairer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repairer{log: log}
}

// SetMetrics attaches a repair event counter.
func (r *Repairer) SetMetrics(m Metrics) {
	r.metrics = m
}

func (r *Repairer) countDrop(reason string) {
	if r.metrics != nil {
		r.metrics.RecordRepairDrop(reason)
	}
}

func (r *Repairer) countSplice() {
	if r.metrics != nil {
		r.metrics.RecordRepairSplice()
	}
}

// Repair returns a protocol-valid version of window. The input slices are
// never mutated; the result is a freshly built sequence whose every
// tool-role message is preceded by an assistant message declaring its
// tool-call id, and whose every declared tool call is answered.
func (r *Repairer) Repair(window, history []types.Message) []types.Message {
	out := make([]types.Message, len(window))
	copy(out, window)

	out = r.resolveLeadingOrphans(out, history)
	out = r.resolveMissingResults(out, history)
	out = r.enforceOrdering(out)
	return out
}

// enforceOrdering is the final sweep: any tool message whose call id was
// not declared earlier in the sequence is dropped, and any assistant whose
// call thereby lost its answer goes with it. Runs to a fixed point; each
// round only removes messages, so it terminates.
func (r *Repairer) enforceOrdering(window []types.Message) []types.Message {
	for {
		declared := make(map[string]bool)
		kept := window[:0:0]
		changed := false

		for _, msg := range window {
			if msg.Role == types.RoleAssistant {
				for _, call := range msg.ToolCalls {
					declared[call.ID] = true
				}
			}
			if msg.Role == types.RoleTool && !allDeclared(msg, declared) {
				r.log.Warn("dropping out-of-order tool message",
					zap.String("message_id", msg.ID))
				r.countDrop("out_of_order")
				changed = true
				continue
			}
			kept = append(kept, msg)
		}

		answered := answeredCalls(kept)
		window = kept[:0:0]
		for _, msg := range kept {
			if msg.Role == types.RoleAssistant && msg.HasToolCalls() {
				unanswerable := false
				for _, call := range msg.ToolCalls {
					if !answered[call.ID] {
						unanswerable = true
						break
					}
				}
				if unanswerable {
					r.log.Warn("dropping assistant message whose tool result was unrecoverable",
						zap.String("message_id", msg.ID))
					r.countDrop("unanswerable_call")
					changed = true
					continue
				}
			}
			window = append(window, msg)
		}

		if !changed {
			return window
		}
	}
}

func allDeclared(msg types.Message, declared map[string]bool) bool {
	for _, res := range msg.ToolResults {
		if !declared[res.ToolCallID] {
			return false
		}
	}
	return true
}

// resolveLeadingOrphans handles windows that open mid-exchange with a
// tool-role message. The matching assistant parent is pulled in from
// history when it exists; otherwise the tool message is unrecoverable
// and dropped.
func (r *Repairer) resolveLeadingOrphans(window, history []types.Message) []types.Message {
	for len(window) > 0 && window[0].Role == types.RoleTool {
		head := window[0]
		callID := firstAnsweredCall(head)
		if callID == "" {
			r.log.Warn("dropping tool message without tool results",
				zap.String("message_id", head.ID))
			r.countDrop("no_results")
			window = window[1:]
			continue
		}

		parent, found := findParent(history, callID)
		if !found {
			r.log.Warn("dropping orphan tool message, parent not in history",
				zap.String("message_id", head.ID),
				zap.String("tool_call_id", callID))
			r.countDrop("orphan")
			window = window[1:]
			continue
		}

		if containsMessage(window, parent.ID) {
			// Parent already inside the window means the leading tool
			// message is a stray duplicate.
			r.log.Warn("dropping duplicate leading tool message",
				zap.String("message_id", head.ID),
				zap.String("tool_call_id", callID))
			r.countDrop("duplicate")
			window = window[1:]
			continue
		}

		r.log.Debug("prepending assistant parent for leading tool message",
			zap.String("parent_id", parent.ID),
			zap.String("tool_call_id", callID))
		r.countSplice()
		window = append([]types.Message{parent}, window...)
	}
	return window
}

// resolveMissingResults ensures every tool call declared by an assistant
// message in the window is answered. Missing results are spliced in from
// history right after their declaring message; an assistant whose call can
// be answered nowhere is removed together with any of its results already
// present, since a dangling call is worse than a shorter window.
func (r *Repairer) resolveMissingResults(window, history []types.Message) []types.Message {
	satisfied := answeredCalls(window)

	// Index of extra tool messages to splice in after each assistant, and
	// the set of tool-call ids whose exchange must be removed wholesale.
	inserts := make(map[string][]types.Message)
	removed := make(map[string]bool)
	removedCalls := make(map[string]bool)

	for _, msg := range window {
		if msg.Role != types.RoleAssistant || !msg.HasToolCalls() {
			continue
		}
		for _, callID := range msg.ToolCallIDs() {
			if satisfied[callID] {
				continue
			}
			result, found := findResult(history, callID)
			if !found {
				r.log.Warn("removing assistant message with unanswerable tool call",
					zap.String("message_id", msg.ID),
					zap.String("tool_call_id", callID))
				r.countDrop("unanswerable_call")
				removed[msg.ID] = true
				for _, id := range msg.ToolCallIDs() {
					removedCalls[id] = true
				}
				break
			}
			r.log.Debug("splicing tool result from history",
				zap.String("message_id", result.ID),
				zap.String("tool_call_id", callID))
			r.countSplice()
			inserts[msg.ID] = append(inserts[msg.ID], result)
			satisfied[callID] = true
		}
	}

	if len(inserts) == 0 && len(removed) == 0 {
		return window
	}

	out := make([]types.Message, 0, len(window))
	for _, msg := range window {
		if removed[msg.ID] {
			continue
		}
		if msg.Role == types.RoleTool && answersAny(msg, removedCalls) {
			continue
		}
		out = append(out, msg)
		out = append(out, inserts[msg.ID]...)
	}
	return out
}

func firstAnsweredCall(msg types.Message) string {
	if len(msg.ToolResults) == 0 {
		return ""
	}
	return msg.ToolResults[0].ToolCallID
}

func findParent(history []types.Message, callID string) (types.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != types.RoleAssistant {
			continue
		}
		for _, call := range history[i].ToolCalls {
			if call.ID == callID {
				return history[i], true
			}
		}
	}
	return types.Message{}, false
}

func findResult(history []types.Message, callID string) (types.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleTool && history[i].AnswersCall(callID) {
			return history[i], true
		}
	}
	return types.Message{}, false
}

func answeredCalls(msgs []types.Message) map[string]bool {
	out := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Role != types.RoleTool {
			continue
		}
		for _, res := range msg.ToolResults {
			out[res.ToolCallID] = true
		}
	}
	return out
}

func answersAny(msg types.Message, callIDs map[string]bool) bool {
	for _, res := range msg.ToolResults {
		if callIDs[res.ToolCallID] {
			return true
		}
	}
	return false
}

func containsMessage(msgs []types.Message, id string) bool {
	for _, msg := range msgs {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// Valid reports whether msgs already satisfies the tool pairing protocol:
// every tool message is preceded by an assistant declaring its call ids,
// and every declared call id is answered somewhere in msgs.
func Valid(msgs []types.Message) bool {
	declared := make(map[string]bool)
	answered := answeredCalls(msgs)

	for _, msg := range msgs {
		switch msg.Role {
		case types.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if !answered[call.ID] {
					return false
				}
				declared[call.ID] = true
			}
		case types.RoleTool:
			for _, res := range msg.ToolResults {
				if !declared[res.ToolCallID] {
					return false
				}
			}
		}
	}
	return true
}
