// Package format renders tool calls and tool results as surface-ready
// markdown. Each runner kind supplies a Formatter; the sink uses it to build
// action activities and their replacements.
package format

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// maxResultLines bounds how much of a tool result lands in an activity.
	maxResultLines = 30
	maxResultChars = 4000
)

// Formatter renders one runner's tool vocabulary.
type Formatter interface {
	// ActionName returns a short verb phrase for the tool call.
	ActionName(toolName string, input map[string]any, isError bool) string
	// Parameter returns the headline argument of the call.
	Parameter(toolName string, input map[string]any) string
	// Result renders the tool outcome as markdown.
	Result(toolName string, input map[string]any, raw string, isError bool) string
}

// getString pulls a string field out of a tool input map.
func getString(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// firstString returns the first non-empty value among the keys.
func firstString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := getString(input, key); v != "" {
			return v
		}
	}
	return ""
}

// truncateResult bounds raw output for inclusion in an activity body.
func truncateResult(raw string) string {
	raw = strings.TrimRight(raw, "\n")
	if len(raw) > maxResultChars {
		raw = raw[:maxResultChars] + "\n… (truncated)"
	}
	lines := strings.Split(raw, "\n")
	if len(lines) > maxResultLines {
		lines = append(lines[:maxResultLines], "… (truncated)")
	}
	return strings.Join(lines, "\n")
}

// fence wraps text in a code fence, picking a delimiter the text doesn't
// contain.
func fence(text string) string {
	delim := "```"
	for strings.Contains(text, delim) {
		delim += "`"
	}
	return delim + "\n" + text + "\n" + delim
}

// summarizeInput renders unknown tool inputs as key=value pairs in key
// order.
func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	summary := strings.Join(parts, " ")
	if len(summary) > 120 {
		summary = summary[:120] + "…"
	}
	return summary
}
