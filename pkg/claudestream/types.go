// Package claudestream implements the Claude CLI stream-json wire protocol:
// newline-delimited JSON over the child process's stdin/stdout.
package claudestream

import "encoding/json"

// Wire message types emitted by the CLI.
const (
	TypeSystem          = "system"
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Result subtypes.
const (
	SubtypeSuccess        = "success"
	SubtypeErrorDuringRun = "error_during_execution"
	SubtypeErrorMaxTurns  = "error_max_turns"
)

// Control request subtypes sent to the CLI.
const (
	SubtypeInterrupt = "interrupt"
)

// WireMessage is one stdout line from the CLI. The type field decides which
// of the remaining fields are populated.
type WireMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system messages
	SessionID      string   `json:"session_id,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	MCPServers     []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"mcp_servers,omitempty"`

	// assistant and user messages
	Message *MessageBody `json:"message,omitempty"`
	// ParentToolUseID threads a user tool_result under its tool_use.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// result messages; Result is a string on error, an object on success.
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// control messages
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// Raw holds the original line for audit logging.
	Raw json.RawMessage `json:"-"`
}

// MessageBody carries assistant or user content.
type MessageBody struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentBlocks decodes the content field. A bare string is wrapped into a
// single text block, matching the CLI's shorthand for user prompts.
func (b *MessageBody) ContentBlocks() ([]ContentBlock, error) {
	if len(b.Content) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return []ContentBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// ContentBlock is one unit of assistant or user content.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks; content may be a string or nested blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText returns tool_result content flattened to a string.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var nested []ContentBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return string(b.Content)
	}
	out := ""
	for _, block := range nested {
		if block.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

// Usage counts tokens for one turn or one run.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultString returns the result payload when it is a bare error string.
func (m *WireMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is written to the CLI's stdin to deliver a prompt in
// streaming-input mode.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt payload.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage builds a stdin prompt message.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type:    TypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}

// ControlRequest is written to stdin for control operations (interrupt).
type ControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody names the control operation.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
}
