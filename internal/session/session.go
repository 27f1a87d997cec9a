// Package session tracks per-issue agent sessions: their state machine, the
// registry arena binding session ids to runner handles and sinks, and the
// per-issue workspace directories.
package session

import (
	"time"
)

// Session states. Terminal states are completed, failed, and stopped.
const (
	StatePending       = "pending"
	StateActive        = "active"
	StateAwaitingInput = "awaitingInput"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateStopped       = "stopped"
)

// Session is one agent run bound to an issue thread. The registry hands out
// copies; only the registry mutates the canonical record.
type Session struct {
	ID string

	IssueID  string
	IssueKey string
	// ThreadID scopes chat-surface sessions to a thread; empty for
	// tracker-origin sessions.
	ThreadID string

	RepositoryID  string
	WorkspacePath string
	Branch        string

	RunnerKind string
	// PromptType records how the system prompt was chosen (label name or
	// "fallback").
	PromptType string
	// ProviderSessionID is the provider's resume token, set after init.
	ProviderSessionID string

	State          string
	MessageCount   int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Terminal reports whether the session accepts no further prompts.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// Live reports whether the session can still receive prompts.
func (s *Session) Live() bool {
	return !s.Terminal()
}
