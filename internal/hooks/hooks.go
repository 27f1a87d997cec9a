// Package hooks provides pre- and post-tool-use callbacks selected by
// prompt type. Hooks return guidance text injected into the agent's stream
// around specific tool calls.
package hooks

import (
	"context"
	"strings"
)

// ToolUse identifies one tool invocation observed in the runner stream.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// Hooks intercepts tool use for one prompt type. Both methods return
// guidance text and whether any guidance applies.
type Hooks interface {
	PreToolUse(ctx context.Context, use ToolUse) (string, bool)
	PostToolUse(ctx context.Context, use ToolUse, result string, isError bool) (string, bool)
}

// ForPromptType returns the hooks bound to a prompt type. Prompt types
// without special handling get no-op hooks.
func ForPromptType(promptType string) Hooks {
	switch strings.ToLower(promptType) {
	case "orchestrator":
		return orchestratorHooks{}
	default:
		return noopHooks{}
	}
}

type noopHooks struct{}

func (noopHooks) PreToolUse(context.Context, ToolUse) (string, bool) { return "", false }
func (noopHooks) PostToolUse(context.Context, ToolUse, string, bool) (string, bool) {
	return "", false
}

// orchestratorHooks steers the coordinator role: todos should become
// delegated subtasks rather than work done inline.
type orchestratorHooks struct{}

func (orchestratorHooks) PreToolUse(_ context.Context, use ToolUse) (string, bool) {
	switch use.Name {
	case "TodoWrite":
		return "Keep each todo item small enough to hand to a single subtask. " +
			"Do not start implementing items yourself.", true
	case "TodoRead":
		return "Review which items are still unassigned and delegate them " +
			"with the Task tool before doing anything else.", true
	}
	return "", false
}

func (orchestratorHooks) PostToolUse(_ context.Context, use ToolUse, _ string, isError bool) (string, bool) {
	if use.Name != "TodoWrite" || isError {
		return "", false
	}
	return "For each pending todo item, dispatch a Task subtask now and mark " +
		"the item in progress. Report back here when a subtask completes.", true
}
