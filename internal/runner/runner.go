package runner

import (
	"context"
	"time"

	"github.com/ceedaragents/cyrus/internal/format"
)

// Options configures one runner invocation.
type Options struct {
	// SessionKey is the worker's session id, used for log file names.
	SessionKey string

	// WorkspacePath is the subprocess working directory.
	WorkspacePath string

	// Prompt is the initial user prompt.
	Prompt string
	// SystemPrompt is appended to the provider's system prompt when the
	// CLI supports it.
	SystemPrompt string

	Model           string
	AllowedTools    []string
	DisallowedTools []string

	// Streaming selects streaming-input mode: follow-up prompts go over
	// stdin instead of requiring a new process.
	Streaming bool

	// ResumeSessionID resumes a prior provider session.
	ResumeSessionID string

	// LogDir receives the per-session ndjson and human-readable logs.
	LogDir string

	// Executable overrides the provider CLI binary.
	Executable string
	// ExtraArgs are appended to the generated argument list.
	ExtraArgs []string
	// Env entries are added to the subprocess environment.
	Env []string

	// MCPConfigPath points the CLI at the worker's MCP server config.
	MCPConfigPath string

	// UsePTY runs the subprocess on a pseudo-terminal. Some CLIs refuse
	// to stream without one.
	UsePTY bool

	// StopGrace is how long Stop waits between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// IdleTimeout stops the runner after this much stream silence.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

// AgentRunner wraps one coding-agent subprocess. Implementations normalize
// the vendor stream into AgentMessages delivered on Messages in arrival
// order, ending with exactly one result.* message.
type AgentRunner interface {
	// Start launches the subprocess with the configured prompt.
	Start(ctx context.Context) error

	// StartStreaming launches in streaming-input mode with an optional
	// initial prompt.
	StartStreaming(ctx context.Context, initial string) error

	// AddStreamMessage delivers a follow-up prompt over stdin.
	AddStreamMessage(ctx context.Context, text string) error

	// CompleteStream closes stdin, letting the provider finish its turn
	// and exit.
	CompleteStream() error

	// Stop terminates the subprocess: signal, grace period, then kill.
	// IsRunning turns false before the terminal message is emitted.
	Stop(ctx context.Context) error

	IsRunning() bool

	// SupportsStreaming reports whether AddStreamMessage works for this
	// runner kind.
	SupportsStreaming() bool

	// ProviderSessionID returns the provider's session token, empty until
	// the first init message.
	ProviderSessionID() string

	// Messages returns the canonical message stream. Closed after the
	// terminal message.
	Messages() <-chan *AgentMessage

	// History returns a copy of all messages observed so far.
	History() []*AgentMessage

	Formatter() format.Formatter
}
