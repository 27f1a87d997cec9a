package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrontMatterParsesHeader(t *testing.T) {
	raw := "---\nname: perf-triage\nlabels:\n  - Performance\n  - Regression\n---\n\nInvestigate the reported slowdown.\n"
	fm, body, err := splitFrontMatter(raw)
	require.NoError(t, err)
	assert.Equal(t, "perf-triage", fm.Name)
	assert.Equal(t, []string{"Performance", "Regression"}, fm.Labels)
	assert.Equal(t, "Investigate the reported slowdown.\n", body)
}

func TestSplitFrontMatterPassesPlainFilesThrough(t *testing.T) {
	raw := "Just a template body.\n"
	fm, body, err := splitFrontMatter(raw)
	require.NoError(t, err)
	assert.Empty(t, fm.Name)
	assert.Equal(t, raw, body)
}

func TestSplitFrontMatterUnterminatedBlockIsBody(t *testing.T) {
	raw := "---\nname: dangling\nno closing fence"
	fm, body, err := splitFrontMatter(raw)
	require.NoError(t, err)
	assert.Empty(t, fm.Name)
	assert.Equal(t, raw, body)
}

func TestSplitFrontMatterRejectsBadYAML(t *testing.T) {
	raw := "---\nname: [unbalanced\n---\nbody"
	_, _, err := splitFrontMatter(raw)
	require.Error(t, err)
}

func TestPastTense(t *testing.T) {
	assert.Equal(t, "created", pastTense("create"))
	assert.Equal(t, "edited", pastTense("edit"))
	assert.Equal(t, "deleted", pastTense("delete"))
}
