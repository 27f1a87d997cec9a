package format

import "strings"

// Claude CLI tool names.
const (
	toolBash         = "Bash"
	toolRead         = "Read"
	toolWrite        = "Write"
	toolEdit         = "Edit"
	toolNotebookEdit = "NotebookEdit"
	toolGlob         = "Glob"
	toolGrep         = "Grep"
	toolTask         = "Task"
	toolWebFetch     = "WebFetch"
	toolWebSearch    = "WebSearch"
	toolTodoWrite    = "TodoWrite"
)

// ClaudeFormatter renders the Claude CLI tool vocabulary.
type ClaudeFormatter struct{}

// NewClaudeFormatter returns the formatter for claude runners.
func NewClaudeFormatter() *ClaudeFormatter {
	return &ClaudeFormatter{}
}

func (f *ClaudeFormatter) ActionName(toolName string, input map[string]any, isError bool) string {
	if isError {
		return "Failed: " + toolName
	}
	switch toolName {
	case toolBash:
		return "Running command"
	case toolRead:
		return "Reading file"
	case toolWrite:
		return "Writing file"
	case toolEdit, toolNotebookEdit:
		return "Editing file"
	case toolGlob, toolGrep:
		return "Searching code"
	case toolTask:
		return "Delegating to subagent"
	case toolWebFetch:
		return "Fetching URL"
	case toolWebSearch:
		return "Searching the web"
	case toolTodoWrite:
		return "Updating todo list"
	default:
		if strings.HasPrefix(toolName, "mcp__") {
			return "Calling " + strings.TrimPrefix(toolName, "mcp__")
		}
		return "Using " + toolName
	}
}

func (f *ClaudeFormatter) Parameter(toolName string, input map[string]any) string {
	switch toolName {
	case toolBash:
		return getString(input, "command")
	case toolRead, toolWrite, toolEdit, toolNotebookEdit:
		return getString(input, "file_path")
	case toolGlob, toolGrep:
		return firstString(input, "pattern", "query")
	case toolTask:
		return getString(input, "description")
	case toolWebFetch, toolWebSearch:
		return firstString(input, "url", "query")
	case toolTodoWrite:
		return ""
	default:
		return summarizeInput(input)
	}
}

func (f *ClaudeFormatter) Result(toolName string, input map[string]any, raw string, isError bool) string {
	header := f.ActionName(toolName, input, isError)
	if param := f.Parameter(toolName, input); param != "" {
		header += ": `" + param + "`"
	}
	if raw == "" {
		return header
	}
	return header + "\n\n" + fence(truncateResult(raw))
}
