package repair

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/convoflow-dev/convoflow/types"
)

func assistantWithCall(callID, tool string) types.Message {
	msg := types.NewAssistantMessage("")
	msg.ToolCalls = []types.ToolCall{{
		ID:        callID,
		Name:      tool,
		Arguments: json.RawMessage(`{}`),
	}}
	return msg
}

func toolResult(callID, output string) types.Message {
	msg := types.NewToolMessage(callID, output)
	return msg
}

func TestRepairPrependsParentFromHistory(t *testing.T) {
	parent := assistantWithCall("tc1", "search")
	result := toolResult("tc1", "found 3 entries")

	history := []types.Message{
		types.NewUserMessage("look this up"),
		parent,
		result,
		types.NewAssistantMessage("here you go"),
		types.NewUserMessage("thanks"),
	}
	window := history[2:]

	got := New(nil).Repair(window, history)

	require.Len(t, got, 4)
	assert.Equal(t, parent.ID, got[0].ID)
	assert.Equal(t, result.ID, got[1].ID)
	assert.True(t, Valid(got))
}

func TestRepairDropsUnrecoverableOrphan(t *testing.T) {
	orphan := toolResult("tc-gone", "stale output")
	history := []types.Message{
		types.NewUserMessage("hi"),
		orphan,
	}
	window := []types.Message{orphan, types.NewAssistantMessage("ok")}

	got := New(nil).Repair(window, history)

	require.Len(t, got, 1)
	assert.Equal(t, types.RoleAssistant, got[0].Role)
	assert.True(t, Valid(got))
}

func TestRepairDropsDuplicateLeadingTool(t *testing.T) {
	parent := assistantWithCall("tc1", "search")
	result := toolResult("tc1", "output")

	window := []types.Message{result, parent, result}
	history := []types.Message{parent, result}

	got := New(nil).Repair(window, history)

	require.Len(t, got, 2)
	assert.Equal(t, parent.ID, got[0].ID)
	assert.Equal(t, result.ID, got[1].ID)
}

func TestRepairSplicesMissingResult(t *testing.T) {
	parent := assistantWithCall("tc1", "fetch")
	result := toolResult("tc1", "body")
	followup := types.NewAssistantMessage("done")

	history := []types.Message{parent, result, followup}
	window := []types.Message{parent, followup}

	got := New(nil).Repair(window, history)

	require.Len(t, got, 3)
	assert.Equal(t, parent.ID, got[0].ID)
	assert.Equal(t, result.ID, got[1].ID)
	assert.True(t, Valid(got))
}

func TestRepairRemovesAssistantWithUnanswerableCall(t *testing.T) {
	parent := assistantWithCall("tc2", "fetch")
	history := []types.Message{
		types.NewUserMessage("go"),
		parent,
		types.NewUserMessage("anything?"),
	}
	window := history[1:]

	got := New(nil).Repair(window, history)

	require.Len(t, got, 1)
	assert.Equal(t, types.RoleUser, got[0].Role)
	assert.True(t, Valid(got))
}

func TestRepairRemovedAssistantTakesItsResultsAlong(t *testing.T) {
	msg := types.NewAssistantMessage("")
	msg.ToolCalls = []types.ToolCall{
		{ID: "tc1", Name: "a", Arguments: json.RawMessage(`{}`)},
		{ID: "tc2", Name: "b", Arguments: json.RawMessage(`{}`)},
	}
	resultA := toolResult("tc1", "partial")

	// tc2 was never answered anywhere, so the whole exchange must go.
	history := []types.Message{msg, resultA}
	window := []types.Message{msg, resultA}

	got := New(nil).Repair(window, history)

	assert.Empty(t, got)
	assert.True(t, Valid(got))
}

func TestRepairEmptyInputs(t *testing.T) {
	got := New(nil).Repair(nil, nil)
	assert.Empty(t, got)
	assert.True(t, Valid(got))
}

func TestRepairLeavesCleanWindowUntouched(t *testing.T) {
	window := []types.Message{
		types.NewUserMessage("hello"),
		types.NewAssistantMessage("hi there"),
	}
	got := New(nil).Repair(window, window)
	require.Len(t, got, 2)
	assert.Equal(t, window[0].ID, got[0].ID)
	assert.Equal(t, window[1].ID, got[1].ID)
}

// genHistory builds a plausible session history: a mix of plain exchanges
// and tool exchanges, with some tool results randomly lost to simulate
// prior compression.
func genHistory(t *rapid.T) []types.Message {
	var history []types.Message
	exchanges := rapid.IntRange(0, 12).Draw(t, "exchanges")
	for i := 0; i < exchanges; i++ {
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			history = append(history,
				types.NewUserMessage(fmt.Sprintf("question %d", i)),
				types.NewAssistantMessage(fmt.Sprintf("answer %d", i)))
		case 1:
			callID := fmt.Sprintf("tc-%d", i)
			history = append(history,
				assistantWithCall(callID, "lookup"),
				toolResult(callID, fmt.Sprintf("result %d", i)))
		case 2:
			// Tool exchange with the result lost.
			callID := fmt.Sprintf("tc-lost-%d", i)
			history = append(history, assistantWithCall(callID, "lookup"))
		}
	}
	return history
}

func TestRepairPropertyOutputAlwaysValid(t *testing.T) {
	r := New(nil)

	rapid.Check(t, func(t *rapid.T) {
		history := genHistory(t)
		start := rapid.IntRange(0, len(history)).Draw(t, "start")
		window := history[start:]

		got := r.Repair(window, history)
		if !Valid(got) {
			t.Fatalf("repaired window violates tool pairing: %+v", got)
		}
	})
}

func TestRepairPropertyInputsNotMutated(t *testing.T) {
	r := New(nil)

	rapid.Check(t, func(t *rapid.T) {
		history := genHistory(t)
		start := rapid.IntRange(0, len(history)).Draw(t, "start")
		window := history[start:]

		before := types.CloneMessages(window)
		r.Repair(window, history)

		if len(window) != len(before) {
			t.Fatal("window length changed")
		}
		for i := range window {
			if window[i].ID != before[i].ID {
				t.Fatalf("window entry %d mutated", i)
			}
		}
	})
}
