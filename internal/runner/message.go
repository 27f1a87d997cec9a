// Package runner supervises coding-agent subprocesses and normalizes their
// vendor streams into a canonical message vocabulary.
package runner

import (
	"encoding/json"
	"time"
)

// Canonical message types. Every adapter translates its provider stream into
// these; result.* types are terminal.
const (
	MessageSystemInit    = "system.init"
	MessageUser          = "user"
	MessageAssistant     = "assistant"
	MessageToolResult    = "tool_result"
	MessageResultSuccess = "result.success"
	MessageResultError   = "result.error"
)

// AgentMessage is the canonical tagged union. Exactly one payload field is
// set, selected by Type.
type AgentMessage struct {
	Type string `json:"type"`

	Init       *InitPayload       `json:"init,omitempty"`
	User       *UserPayload       `json:"user,omitempty"`
	Assistant  *AssistantPayload  `json:"assistant,omitempty"`
	ToolResult *ToolResultPayload `json:"toolResult,omitempty"`
	Result     *ResultPayload     `json:"result,omitempty"`

	// Raw preserves the provider line for the ndjson session log.
	Raw json.RawMessage `json:"-"`
}

// Terminal reports whether the message ends the session.
func (m *AgentMessage) Terminal() bool {
	return m.Type == MessageResultSuccess || m.Type == MessageResultError
}

// InitPayload announces the session. Adapters synthesize one when the
// provider emits any other message first.
type InitPayload struct {
	SessionID      string   `json:"sessionId"`
	CWD            string   `json:"cwd"`
	Tools          []string `json:"tools"`
	Model          string   `json:"model"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	MCPServers     []string `json:"mcpServers,omitempty"`
	// Synthesized marks fabricated inits for the session log.
	Synthesized bool `json:"synthesized,omitempty"`
}

// UserPayload is a prompt echoed back by the provider stream.
type UserPayload struct {
	Content         string `json:"content"`
	ParentToolUseID string `json:"parentToolUseId,omitempty"`
}

// AssistantPayload carries assistant output: text and tool calls, in stream
// order.
type AssistantPayload struct {
	Model  string           `json:"model,omitempty"`
	Blocks []AssistantBlock `json:"blocks"`
}

// AssistantBlock is one unit of assistant content. Exactly one of Text,
// Thinking, or ToolUse is set.
type AssistantBlock struct {
	Text     string   `json:"text,omitempty"`
	Thinking string   `json:"thinking,omitempty"`
	ToolUse  *ToolUse `json:"toolUse,omitempty"`
}

// ToolUse is a structured tool call.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResultPayload pairs with a prior ToolUse by id.
type ToolResultPayload struct {
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// Usage counts tokens for the whole run.
type Usage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CachedInput int64 `json:"cachedInput,omitempty"`
}

// ResultPayload finalizes the session.
type ResultPayload struct {
	Duration time.Duration `json:"duration"`
	Usage    Usage         `json:"usage"`
	// LastText is the final assistant text (success).
	LastText string `json:"lastText,omitempty"`
	// Errors describes the failure (result.error).
	Errors []string `json:"errors,omitempty"`
}

// TextContent returns the concatenated assistant text blocks.
func (p *AssistantPayload) TextContent() string {
	out := ""
	for _, block := range p.Blocks {
		if block.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the payload's tool calls in order.
func (p *AssistantPayload) ToolUses() []*ToolUse {
	var uses []*ToolUse
	for _, block := range p.Blocks {
		if block.ToolUse != nil {
			uses = append(uses, block.ToolUse)
		}
	}
	return uses
}
