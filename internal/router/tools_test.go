package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ceedaragents/cyrus/internal/config"
)

func TestExpandToolSpecPresets(t *testing.T) {
	readOnly := ExpandToolSpec(config.ToolSpec{Preset: config.PresetReadOnly})
	assert.Contains(t, readOnly, "Read")
	assert.NotContains(t, readOnly, "Edit")
	assert.NotContains(t, readOnly, "Bash")

	all := ExpandToolSpec(config.ToolSpec{Preset: config.PresetAll})
	assert.Contains(t, all, "Bash")
	assert.Contains(t, all, "Task")

	coordinator := ExpandToolSpec(config.ToolSpec{Preset: config.PresetCoordinator})
	assert.Contains(t, coordinator, "TodoWrite")
	assert.NotContains(t, coordinator, "Edit")
}

func TestExpandToolSpecUnknownPresetFallsBackToSafe(t *testing.T) {
	tools := ExpandToolSpec(config.ToolSpec{Preset: "bogus"})
	assert.ElementsMatch(t, presetTools[config.PresetSafe], tools)
}

func TestExpandToolSpecExplicitList(t *testing.T) {
	tools := ExpandToolSpec(config.ToolSpec{Tools: []string{"Read", "Bash"}})
	assert.Equal(t, []string{"Read", "Bash"}, tools)
}

func TestResolveToolsRuleIntersectsRepository(t *testing.T) {
	rule := &config.PromptRule{
		AllowedTools: config.ToolSpec{Tools: []string{"Read", "Edit", "Bash"}},
	}
	repo := &config.Repository{
		AllowedTools: config.ToolSpec{Preset: config.PresetSafe},
	}

	allowed, disallowed := ResolveTools(rule, repo, config.ToolSpec{})
	// Bash is not in the safe preset, so the intersection drops it.
	assert.Equal(t, []string{"Edit", "Read"}, allowed)
	assert.Empty(t, disallowed)
}

func TestResolveToolsFallsBackRepoThenGlobal(t *testing.T) {
	repo := &config.Repository{
		AllowedTools: config.ToolSpec{Tools: []string{"Read", "Grep"}},
	}
	allowed, _ := ResolveTools(nil, repo, config.ToolSpec{Preset: config.PresetAll})
	assert.Equal(t, []string{"Grep", "Read"}, allowed)

	allowed, _ = ResolveTools(nil, &config.Repository{}, config.ToolSpec{Tools: []string{"Read"}})
	assert.Equal(t, []string{"Read"}, allowed)
}

func TestResolveToolsDisallowedSubtracted(t *testing.T) {
	rule := &config.PromptRule{
		AllowedTools:    config.ToolSpec{Preset: config.PresetAll},
		DisallowedTools: []string{"bash", "Task"},
	}
	allowed, disallowed := ResolveTools(rule, &config.Repository{}, config.ToolSpec{})

	// Subtraction is case-insensitive.
	assert.NotContains(t, allowed, "Bash")
	assert.NotContains(t, allowed, "Task")
	assert.Contains(t, allowed, "Edit")
	assert.Equal(t, []string{"bash", "Task"}, disallowed)
}
