package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentMessageTerminal(t *testing.T) {
	assert.False(t, (&AgentMessage{Type: MessageSystemInit}).Terminal())
	assert.False(t, (&AgentMessage{Type: MessageAssistant}).Terminal())
	assert.False(t, (&AgentMessage{Type: MessageToolResult}).Terminal())
	assert.True(t, (&AgentMessage{Type: MessageResultSuccess}).Terminal())
	assert.True(t, (&AgentMessage{Type: MessageResultError}).Terminal())
}

func TestAssistantPayloadTextContent(t *testing.T) {
	payload := &AssistantPayload{Blocks: []AssistantBlock{
		{Text: "first"},
		{Thinking: "hidden"},
		{ToolUse: &ToolUse{ID: "t1", Name: "Bash"}},
		{Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", payload.TextContent())

	empty := &AssistantPayload{Blocks: []AssistantBlock{{Thinking: "only"}}}
	assert.Equal(t, "", empty.TextContent())
}

func TestAssistantPayloadToolUses(t *testing.T) {
	payload := &AssistantPayload{Blocks: []AssistantBlock{
		{Text: "running"},
		{ToolUse: &ToolUse{ID: "t1", Name: "Bash"}},
		{ToolUse: &ToolUse{ID: "t2", Name: "Read"}},
	}}

	uses := payload.ToolUses()
	assert.Len(t, uses, 2)
	assert.Equal(t, "t1", uses[0].ID)
	assert.Equal(t, "Read", uses[1].Name)
}
