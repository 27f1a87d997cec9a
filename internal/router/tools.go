package router

import (
	"sort"
	"strings"

	"github.com/ceedaragents/cyrus/internal/config"
)

// Preset tool lists. These name the provider-CLI tool vocabulary.
var presetTools = map[string][]string{
	config.PresetReadOnly: {
		"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
	},
	config.PresetSafe: {
		"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
		"Edit", "Write", "NotebookEdit", "TodoWrite",
	},
	config.PresetAll: {
		"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
		"Edit", "Write", "NotebookEdit", "TodoWrite",
		"Bash", "Task",
	},
	config.PresetCoordinator: {
		"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
		"TodoWrite", "Task",
	},
}

// ExpandToolSpec resolves a preset name or returns the explicit list.
// Unknown presets expand to the safe set.
func ExpandToolSpec(spec config.ToolSpec) []string {
	if spec.Preset != "" {
		if tools, ok := presetTools[spec.Preset]; ok {
			return append([]string(nil), tools...)
		}
		return append([]string(nil), presetTools[config.PresetSafe]...)
	}
	return append([]string(nil), spec.Tools...)
}

// ResolveTools computes the runner's tool policy: the prompt rule's
// allowance (falling back to the repository's, then the global default),
// minus the rule's disallowed list, intersected with the repository default
// when both are explicit.
func ResolveTools(rule *config.PromptRule, repo *config.Repository, global config.ToolSpec) (allowed, disallowed []string) {
	repoTools := ExpandToolSpec(repo.AllowedTools)

	var base []string
	switch {
	case rule != nil && !rule.AllowedTools.IsZero():
		base = ExpandToolSpec(rule.AllowedTools)
		if len(repoTools) > 0 {
			base = intersect(base, repoTools)
		}
	case len(repoTools) > 0:
		base = repoTools
	default:
		base = ExpandToolSpec(global)
	}

	if rule != nil && len(rule.DisallowedTools) > 0 {
		disallowed = append([]string(nil), rule.DisallowedTools...)
		base = subtract(base, disallowed)
	}

	sort.Strings(base)
	return base, disallowed
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, tool := range b {
		inB[strings.ToLower(tool)] = true
	}
	var out []string
	for _, tool := range a {
		if inB[strings.ToLower(tool)] {
			out = append(out, tool)
		}
	}
	return out
}

func subtract(a, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, tool := range remove {
		drop[strings.ToLower(tool)] = true
	}
	var out []string
	for _, tool := range a {
		if !drop[strings.ToLower(tool)] {
			out = append(out, tool)
		}
	}
	return out
}
