package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/format"
)

// jsonlEvent is the wire shape of codex-style runners: one JSON object per
// stdout line.
type jsonlEvent struct {
	Type string `json:"type"`

	// session events
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// message events; Delta marks partial text of the same role.
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Delta bool   `json:"delta,omitempty"`

	// tool events; ID may be absent, in which case the adapter assigns one.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"error,omitempty"`

	// result events
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Usage      *struct {
		Input  int64 `json:"input_tokens"`
		Output int64 `json:"output_tokens"`
		Cached int64 `json:"cached_input_tokens"`
	} `json:"usage,omitempty"`
}

// JSONLRunner supervises runners that emit newline-delimited JSON events
// without a streaming-input channel (codex and compatible CLIs). Follow-up
// prompts require a fresh process with --resume.
type JSONLRunner struct {
	sup       *supervisor
	logger    *logger.Logger
	formatter format.Formatter

	// accumulator joins consecutive same-role delta events.
	accumRole string
	accumText string

	// unpairedTools queues synthesized tool ids FIFO for results that
	// arrive without one.
	unpairedTools []string
	toolNames     map[string]string
	toolSeq       int
	toolMu        sync.Mutex
}

// NewJSONLRunner creates a runner for a jsonl-emitting CLI. The executable
// must be set in Options.
func NewJSONLRunner(opts Options, log *logger.Logger) *JSONLRunner {
	return &JSONLRunner{
		sup:       newSupervisor(opts, log),
		logger:    log.WithSessionID(opts.SessionKey),
		formatter: format.NewGenericFormatter(),
		toolNames: make(map[string]string),
	}
}

func (r *JSONLRunner) Start(ctx context.Context) error {
	if r.sup.isRunning() {
		return fmt.Errorf("runner already started")
	}
	opts := r.sup.opts
	if opts.Executable == "" {
		return fmt.Errorf("jsonl runner requires an executable")
	}

	args := append([]string(nil), opts.ExtraArgs...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}

	started := time.Now()
	stdout, err := r.sup.spawn(ctx, opts.Executable, args)
	if err != nil {
		return err
	}

	go r.readLoop(ctx, stdout)
	go r.sup.waitAndFinalize(ctx, started)
	return nil
}

// StartStreaming is not supported; jsonl runners take one prompt per
// process.
func (r *JSONLRunner) StartStreaming(ctx context.Context, initial string) error {
	r.sup.opts.Prompt = initial
	return r.Start(ctx)
}

func (r *JSONLRunner) AddStreamMessage(context.Context, string) error {
	return fmt.Errorf("runner does not support streaming input")
}

func (r *JSONLRunner) CompleteStream() error {
	if r.sup.stdin == nil {
		return nil
	}
	return r.sup.stdin.Close()
}

func (r *JSONLRunner) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event jsonlEvent
		if err := json.Unmarshal(line, &event); err != nil {
			r.logger.Warn("failed to parse jsonl event", zap.Error(err))
			continue
		}
		raw := append(json.RawMessage(nil), line...)
		r.handleEvent(ctx, &event, raw)
	}
	r.flushAccumulator(ctx)
}

func (r *JSONLRunner) handleEvent(ctx context.Context, event *jsonlEvent, raw json.RawMessage) {
	// Any non-delta event flushes pending delta text first.
	if event.Type != "message" || !event.Delta || event.Role != r.accumRole {
		r.flushAccumulator(ctx)
	}

	switch event.Type {
	case "session":
		r.sup.emit(ctx, &AgentMessage{
			Type: MessageSystemInit,
			Init: &InitPayload{
				SessionID: event.SessionID,
				CWD:       r.sup.opts.WorkspacePath,
				Tools:     r.sup.opts.AllowedTools,
				Model:     event.Model,
			},
			Raw: raw,
		})

	case "message":
		if event.Delta {
			r.accumRole = event.Role
			r.accumText += event.Text
			return
		}
		r.emitText(ctx, event.Role, event.Text, raw)

	case "tool_call":
		id := event.ID
		if id == "" {
			id = r.assignToolID(event.Name)
		}
		r.toolMu.Lock()
		r.toolNames[id] = event.Name
		r.toolMu.Unlock()

		r.sup.emit(ctx, &AgentMessage{
			Type: MessageAssistant,
			Assistant: &AssistantPayload{
				Blocks: []AssistantBlock{{ToolUse: &ToolUse{
					ID: id, Name: event.Name, Input: event.Arguments,
				}}},
			},
			Raw: raw,
		})

	case "tool_result":
		id := event.ID
		if id == "" {
			id = r.takeOldestUnpaired()
		}
		r.toolMu.Lock()
		name := r.toolNames[id]
		delete(r.toolNames, id)
		r.toolMu.Unlock()

		r.sup.emit(ctx, &AgentMessage{
			Type: MessageToolResult,
			ToolResult: &ToolResultPayload{
				ToolUseID: id,
				ToolName:  name,
				Content:   event.Output,
				IsError:   event.IsError,
			},
			Raw: raw,
		})

	case "result":
		result := &ResultPayload{
			Duration: time.Duration(event.DurationMS) * time.Millisecond,
		}
		if event.Usage != nil {
			result.Usage = Usage{
				Input:       event.Usage.Input,
				Output:      event.Usage.Output,
				CachedInput: event.Usage.Cached,
			}
		}
		if event.Status == "success" {
			result.LastText = event.Text
			r.sup.emit(ctx, &AgentMessage{Type: MessageResultSuccess, Result: result, Raw: raw})
		} else {
			if event.Message != "" {
				result.Errors = append(result.Errors, event.Message)
			}
			r.sup.emit(ctx, &AgentMessage{Type: MessageResultError, Result: result, Raw: raw})
		}

	default:
		r.logger.Debug("ignoring jsonl event", zap.String("type", event.Type))
	}
}

// emitText delivers one complete message for the given role.
func (r *JSONLRunner) emitText(ctx context.Context, role, text string, raw json.RawMessage) {
	if text == "" {
		return
	}
	switch role {
	case "assistant":
		r.sup.emit(ctx, &AgentMessage{
			Type:      MessageAssistant,
			Assistant: &AssistantPayload{Blocks: []AssistantBlock{{Text: text}}},
			Raw:       raw,
		})
	case "user":
		r.sup.emit(ctx, &AgentMessage{
			Type: MessageUser,
			User: &UserPayload{Content: text},
			Raw:  raw,
		})
	}
}

func (r *JSONLRunner) flushAccumulator(ctx context.Context) {
	if r.accumText == "" {
		return
	}
	text, role := r.accumText, r.accumRole
	r.accumText, r.accumRole = "", ""
	r.emitText(ctx, role, text, nil)
}

// assignToolID synthesizes an id for providers that omit them.
func (r *JSONLRunner) assignToolID(toolName string) string {
	r.toolMu.Lock()
	defer r.toolMu.Unlock()
	r.toolSeq++
	id := fmt.Sprintf("%s-%d-%04x", toolName, r.toolSeq, rand.Intn(0x10000))
	r.unpairedTools = append(r.unpairedTools, id)
	return id
}

// takeOldestUnpaired pops the FIFO of synthesized ids.
func (r *JSONLRunner) takeOldestUnpaired() string {
	r.toolMu.Lock()
	defer r.toolMu.Unlock()
	if len(r.unpairedTools) == 0 {
		return ""
	}
	id := r.unpairedTools[0]
	r.unpairedTools = r.unpairedTools[1:]
	return id
}

func (r *JSONLRunner) Stop(ctx context.Context) error {
	return r.sup.stop(ctx)
}

func (r *JSONLRunner) IsRunning() bool {
	return r.sup.isRunning()
}

func (r *JSONLRunner) SupportsStreaming() bool {
	return false
}

func (r *JSONLRunner) ProviderSessionID() string {
	return r.sup.sessionID()
}

func (r *JSONLRunner) Messages() <-chan *AgentMessage {
	return r.sup.messages
}

func (r *JSONLRunner) History() []*AgentMessage {
	return r.sup.snapshotHistory()
}

func (r *JSONLRunner) Formatter() format.Formatter {
	return r.formatter
}
