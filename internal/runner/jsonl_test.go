package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedEvents(t *testing.T, r *JSONLRunner, events ...*jsonlEvent) []*AgentMessage {
	t.Helper()
	ctx := context.Background()
	for _, event := range events {
		r.handleEvent(ctx, event, nil)
	}
	r.flushAccumulator(ctx)
	return drain(r.Messages())
}

func TestJSONLDeltaAccumulation(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "session", SessionID: "s-1", Model: "codex-mini"},
		&jsonlEvent{Type: "message", Role: "assistant", Text: "Let me ", Delta: true},
		&jsonlEvent{Type: "message", Role: "assistant", Text: "look at ", Delta: true},
		&jsonlEvent{Type: "message", Role: "assistant", Text: "the code.", Delta: true},
	)

	require.Len(t, msgs, 2)
	assert.Equal(t, MessageSystemInit, msgs[0].Type)
	assert.Equal(t, "s-1", msgs[0].Init.SessionID)
	assert.Equal(t, MessageAssistant, msgs[1].Type)
	assert.Equal(t, "Let me look at the code.", msgs[1].Assistant.TextContent())
}

func TestJSONLRoleChangeFlushesAccumulator(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "message", Role: "assistant", Text: "thinking", Delta: true},
		&jsonlEvent{Type: "message", Role: "user", Text: "interruption", Delta: true},
	)

	// Synthesized init precedes the flushed assistant text.
	require.Len(t, msgs, 3)
	assert.Equal(t, MessageSystemInit, msgs[0].Type)
	assert.True(t, msgs[0].Init.Synthesized)
	assert.Equal(t, "thinking", msgs[1].Assistant.TextContent())
	assert.Equal(t, "interruption", msgs[2].User.Content)
}

func TestJSONLNonDeltaEventFlushesAccumulator(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "session", SessionID: "s-2"},
		&jsonlEvent{Type: "message", Role: "assistant", Text: "running ls", Delta: true},
		&jsonlEvent{Type: "tool_call", ID: "call-1", Name: "shell"},
	)

	require.Len(t, msgs, 3)
	assert.Equal(t, "running ls", msgs[1].Assistant.TextContent())
	uses := msgs[2].Assistant.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "call-1", uses[0].ID)
}

func TestJSONLToolIDSynthesisAndFIFOPairing(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "session", SessionID: "s-3"},
		&jsonlEvent{Type: "tool_call", Name: "shell"},
		&jsonlEvent{Type: "tool_call", Name: "read_file"},
		&jsonlEvent{Type: "tool_result", Output: "ok", IsError: false},
		&jsonlEvent{Type: "tool_result", Output: "contents"},
	)

	require.Len(t, msgs, 5)

	firstID := msgs[1].Assistant.ToolUses()[0].ID
	secondID := msgs[2].Assistant.ToolUses()[0].ID
	assert.True(t, strings.HasPrefix(firstID, "shell-1-"), firstID)
	assert.True(t, strings.HasPrefix(secondID, "read_file-2-"), secondID)
	assert.NotEqual(t, firstID, secondID)

	// Results without ids pair with the oldest unpaired call.
	assert.Equal(t, firstID, msgs[3].ToolResult.ToolUseID)
	assert.Equal(t, "shell", msgs[3].ToolResult.ToolName)
	assert.Equal(t, secondID, msgs[4].ToolResult.ToolUseID)
	assert.Equal(t, "read_file", msgs[4].ToolResult.ToolName)
}

func TestJSONLToolResultWithExplicitID(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "session", SessionID: "s-4"},
		&jsonlEvent{Type: "tool_call", ID: "call-7", Name: "shell"},
		&jsonlEvent{Type: "tool_result", ID: "call-7", Output: "done", IsError: true},
	)

	require.Len(t, msgs, 3)
	assert.Equal(t, "call-7", msgs[2].ToolResult.ToolUseID)
	assert.Equal(t, "shell", msgs[2].ToolResult.ToolName)
	assert.True(t, msgs[2].ToolResult.IsError)
}

func TestJSONLResultMapping(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))

	msgs := feedEvents(t, r,
		&jsonlEvent{Type: "session", SessionID: "s-5"},
		&jsonlEvent{Type: "result", Status: "success", Text: "merged", DurationMS: 2000},
	)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageResultSuccess, msgs[1].Type)
	assert.Equal(t, "merged", msgs[1].Result.LastText)

	r2 := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))
	msgs = feedEvents(t, r2,
		&jsonlEvent{Type: "session", SessionID: "s-6"},
		&jsonlEvent{Type: "result", Status: "failed", Message: "sandbox denied"},
	)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageResultError, msgs[1].Type)
	assert.Equal(t, []string{"sandbox denied"}, msgs[1].Result.Errors)
}

func TestJSONLStreamingUnsupported(t *testing.T) {
	r := NewJSONLRunner(Options{Executable: "codex"}, testRunnerLogger(t))
	assert.False(t, r.SupportsStreaming())
	assert.Error(t, r.AddStreamMessage(context.Background(), "more"))
}

func TestFactoryKinds(t *testing.T) {
	log := testRunnerLogger(t)

	r, err := New(KindClaude, Options{}, log)
	require.NoError(t, err)
	assert.IsType(t, &ClaudeRunner{}, r)

	r, err = New("", Options{}, log)
	require.NoError(t, err)
	assert.IsType(t, &ClaudeRunner{}, r)

	r, err = New(KindCodex, Options{}, log)
	require.NoError(t, err)
	assert.IsType(t, &JSONLRunner{}, r)

	_, err = New("gemini", Options{}, log)
	assert.Error(t, err)
}
