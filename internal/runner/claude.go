package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/format"
	"github.com/ceedaragents/cyrus/pkg/claudestream"
)

const defaultClaudeExecutable = "claude"

// ClaudeRunner supervises the Claude CLI in stream-json mode.
type ClaudeRunner struct {
	sup       *supervisor
	logger    *logger.Logger
	formatter format.Formatter

	client *claudestream.Client

	// pendingTools maps tool_use ids to their names so tool results can
	// carry the tool name through to the formatter.
	pendingTools   map[string]string
	pendingToolsMu sync.Mutex

	streaming bool
}

// NewClaudeRunner creates a runner for the Claude CLI.
func NewClaudeRunner(opts Options, log *logger.Logger) *ClaudeRunner {
	return &ClaudeRunner{
		sup:          newSupervisor(opts, log),
		logger:       log.WithSessionID(opts.SessionKey),
		formatter:    format.NewClaudeFormatter(),
		pendingTools: make(map[string]string),
	}
}

func (r *ClaudeRunner) Start(ctx context.Context) error {
	return r.launch(ctx, false, "")
}

func (r *ClaudeRunner) StartStreaming(ctx context.Context, initial string) error {
	return r.launch(ctx, true, initial)
}

func (r *ClaudeRunner) launch(ctx context.Context, streaming bool, initial string) error {
	if r.sup.isRunning() {
		return fmt.Errorf("runner already started")
	}
	r.streaming = streaming

	executable := r.sup.opts.Executable
	if executable == "" {
		executable = defaultClaudeExecutable
	}

	started := time.Now()
	stdout, err := r.sup.spawn(ctx, executable, r.buildArgs(streaming))
	if err != nil {
		return err
	}

	r.client = claudestream.NewClient(r.sup.stdin, stdout, r.logger)
	r.client.SetMessageHandler(func(msg *claudestream.WireMessage) {
		r.handleWire(ctx, msg)
	})
	<-r.client.Start(ctx)

	if streaming && initial != "" {
		if err := r.client.SendUserMessage(initial); err != nil {
			return fmt.Errorf("failed to send initial prompt: %w", err)
		}
	}

	go r.sup.waitAndFinalize(ctx, started)
	return nil
}

// buildArgs assembles the CLI invocation. Non-streaming runs pass the
// prompt as the final argument; streaming runs take prompts over stdin.
func (r *ClaudeRunner) buildArgs(streaming bool) []string {
	opts := r.sup.opts
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	if streaming {
		args = append(args, "--input-format", "stream-json")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = append(args, opts.ExtraArgs...)

	if !streaming && opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}
	return args
}

// handleWire translates one stream-json line into canonical messages.
func (r *ClaudeRunner) handleWire(ctx context.Context, msg *claudestream.WireMessage) {
	switch msg.Type {
	case claudestream.TypeSystem:
		r.handleSystem(ctx, msg)
	case claudestream.TypeAssistant:
		r.handleAssistant(ctx, msg)
	case claudestream.TypeUser:
		r.handleUser(ctx, msg)
	case claudestream.TypeResult:
		r.handleResult(ctx, msg)
	default:
		// Control traffic is not part of the canonical stream.
	}
}

func (r *ClaudeRunner) handleSystem(ctx context.Context, msg *claudestream.WireMessage) {
	if msg.Subtype != "init" {
		return
	}
	init := &InitPayload{
		SessionID:      msg.SessionID,
		CWD:            msg.CWD,
		Tools:          msg.Tools,
		Model:          msg.Model,
		PermissionMode: msg.PermissionMode,
	}
	for _, server := range msg.MCPServers {
		init.MCPServers = append(init.MCPServers, server.Name)
	}
	r.sup.emit(ctx, &AgentMessage{Type: MessageSystemInit, Init: init, Raw: msg.Raw})
}

func (r *ClaudeRunner) handleAssistant(ctx context.Context, msg *claudestream.WireMessage) {
	if msg.Message == nil {
		return
	}
	blocks, err := msg.Message.ContentBlocks()
	if err != nil {
		r.logger.Warn("failed to decode assistant content")
		return
	}

	payload := &AssistantPayload{Model: msg.Message.Model}
	for _, block := range blocks {
		switch block.Type {
		case "text":
			payload.Blocks = append(payload.Blocks, AssistantBlock{Text: block.Text})
		case "thinking":
			payload.Blocks = append(payload.Blocks, AssistantBlock{Thinking: block.Thinking})
		case "tool_use":
			use := &ToolUse{ID: block.ID, Name: block.Name, Input: block.Input}
			r.pendingToolsMu.Lock()
			r.pendingTools[use.ID] = use.Name
			r.pendingToolsMu.Unlock()
			payload.Blocks = append(payload.Blocks, AssistantBlock{ToolUse: use})
		}
	}
	if len(payload.Blocks) == 0 {
		return
	}
	r.sup.emit(ctx, &AgentMessage{Type: MessageAssistant, Assistant: payload, Raw: msg.Raw})
}

// handleUser emits tool results carried in user messages; genuine user text
// is echoed as a canonical user message.
func (r *ClaudeRunner) handleUser(ctx context.Context, msg *claudestream.WireMessage) {
	if msg.Message == nil {
		return
	}
	blocks, err := msg.Message.ContentBlocks()
	if err != nil {
		r.logger.Warn("failed to decode user content")
		return
	}

	var text string
	for _, block := range blocks {
		switch block.Type {
		case "tool_result":
			r.pendingToolsMu.Lock()
			toolName := r.pendingTools[block.ToolUseID]
			delete(r.pendingTools, block.ToolUseID)
			r.pendingToolsMu.Unlock()

			r.sup.emit(ctx, &AgentMessage{
				Type: MessageToolResult,
				ToolResult: &ToolResultPayload{
					ToolUseID: block.ToolUseID,
					ToolName:  toolName,
					Content:   block.ResultText(),
					IsError:   block.IsError,
				},
				Raw: msg.Raw,
			})
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	if text != "" {
		r.sup.emit(ctx, &AgentMessage{
			Type: MessageUser,
			User: &UserPayload{Content: text, ParentToolUseID: msg.ParentToolUseID},
			Raw:  msg.Raw,
		})
	}
}

func (r *ClaudeRunner) handleResult(ctx context.Context, msg *claudestream.WireMessage) {
	result := &ResultPayload{
		Duration: time.Duration(msg.DurationMS) * time.Millisecond,
	}
	if msg.Usage != nil {
		result.Usage = Usage{
			Input:       msg.Usage.InputTokens,
			Output:      msg.Usage.OutputTokens,
			CachedInput: msg.Usage.CacheReadInputTokens,
		}
	}

	if msg.IsError || msg.Subtype != claudestream.SubtypeSuccess {
		if errText := msg.ResultString(); errText != "" {
			result.Errors = append(result.Errors, errText)
		} else {
			result.Errors = append(result.Errors, "runner reported "+msg.Subtype)
		}
		r.sup.emit(ctx, &AgentMessage{Type: MessageResultError, Result: result, Raw: msg.Raw})
		return
	}

	var success struct {
		Text string `json:"text"`
	}
	if data := msg.Result; len(data) > 0 {
		_ = json.Unmarshal(data, &success)
	}
	if success.Text == "" {
		success.Text = msg.ResultString()
	}
	result.LastText = success.Text
	r.sup.emit(ctx, &AgentMessage{Type: MessageResultSuccess, Result: result, Raw: msg.Raw})
}

func (r *ClaudeRunner) AddStreamMessage(ctx context.Context, text string) error {
	if !r.sup.isRunning() {
		return fmt.Errorf("runner is not running")
	}
	if !r.streaming {
		return fmt.Errorf("runner was not started in streaming mode")
	}
	return r.client.SendUserMessage(text)
}

func (r *ClaudeRunner) CompleteStream() error {
	if r.sup.stdin == nil {
		return nil
	}
	return r.sup.stdin.Close()
}

func (r *ClaudeRunner) Stop(ctx context.Context) error {
	return r.sup.stop(ctx)
}

func (r *ClaudeRunner) IsRunning() bool {
	return r.sup.isRunning()
}

func (r *ClaudeRunner) SupportsStreaming() bool {
	return true
}

func (r *ClaudeRunner) ProviderSessionID() string {
	return r.sup.sessionID()
}

func (r *ClaudeRunner) Messages() <-chan *AgentMessage {
	return r.sup.messages
}

func (r *ClaudeRunner) History() []*AgentMessage {
	return r.sup.snapshotHistory()
}

func (r *ClaudeRunner) Formatter() format.Formatter {
	return r.formatter
}
