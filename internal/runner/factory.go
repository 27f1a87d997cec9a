package runner

import (
	"fmt"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// Runner kinds.
const (
	KindClaude = "claude"
	KindCodex  = "codex"
	KindJSONL  = "jsonl"
)

// New builds a runner for the given kind. Codex and generic jsonl runners
// share the same adapter; claude gets the stream-json client.
func New(kind string, opts Options, log *logger.Logger) (AgentRunner, error) {
	switch kind {
	case KindClaude, "":
		return NewClaudeRunner(opts, log), nil
	case KindCodex:
		if opts.Executable == "" {
			opts.Executable = "codex"
		}
		return NewJSONLRunner(opts, log), nil
	case KindJSONL:
		return NewJSONLRunner(opts, log), nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", kind)
	}
}
