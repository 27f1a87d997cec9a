package edgeworker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/transport"
)

func TestUserPromptRendersIssueBlock(t *testing.T) {
	w := newTestWorker(t)

	intent := &router.Intent{
		Event: &transport.InboundEvent{
			TransportKind: transport.KindTracker,
			Author:        "alice",
			Content:       "Please look into the flaky login",
			Attachments:   []transport.Attachment{{Filename: "log.txt", URL: "https://files.example/log.txt"}},
		},
		Issue: &tracker.Issue{
			Identifier:  "CY-7",
			Title:       "Login broken",
			Description: "Users cannot sign in.",
			URL:         "https://linear.app/team/issue/CY-7",
		},
	}

	prompt := w.userPrompt(intent)
	assert.Contains(t, prompt, `<linear_issue id="CY-7">`)
	assert.Contains(t, prompt, "<title>Login broken</title>")
	assert.Contains(t, prompt, "Users cannot sign in.")
	assert.Contains(t, prompt, "User comment from alice:\nPlease look into the flaky login")
	assert.Contains(t, prompt, "Attachment: log.txt (https://files.example/log.txt)")
}

func TestUserPromptLabelRoutedUsesIdentifierAttribute(t *testing.T) {
	w := newTestWorker(t)

	intent := &router.Intent{
		Event: &transport.InboundEvent{
			TransportKind: transport.KindTracker,
			Author:        "carol",
			Content:       "Build the export flow",
		},
		Issue: &tracker.Issue{
			Identifier: "CY-8",
			Title:      "CSV export",
		},
		PromptType:  "builder",
		PromptMatch: router.PromptMatchLabel,
		PromptRule:  &config.PromptRule{Labels: []string{"feature"}},
	}

	prompt := w.userPrompt(intent)
	assert.Contains(t, prompt, `<linear_issue identifier="CY-8">`)
	assert.NotContains(t, prompt, `<linear_issue id=`)
}

func TestUserPromptUnfetchedIssueLeavesReference(t *testing.T) {
	w := newTestWorker(t)

	intent := &router.Intent{
		Event: &transport.InboundEvent{
			TransportKind: transport.KindTracker,
			Author:        "bob",
			Content:       "Fix it please",
			Issue:         &transport.IssueRefs{IssueID: "issue-1", IssueKey: "CY-9"},
		},
	}

	prompt := w.userPrompt(intent)
	assert.Contains(t, prompt, `<linear_issue id="CY-9"></linear_issue>`)
	assert.Contains(t, prompt, "Fix it please")
}

func TestSystemPromptReadsTemplateFile(t *testing.T) {
	w := newTestWorker(t)
	w.opts.PromptsDir = t.TempDir()

	body := "# Performance review\nProfile before changing anything.\n"
	require.NoError(t, os.WriteFile(filepath.Join(w.opts.PromptsDir, "custom-perf.md"), []byte(body), 0o600))

	intent := &router.Intent{
		PromptType: "perf",
		PromptRule: &config.PromptRule{Labels: []string{"Performance"}, PromptPath: "custom-perf.md"},
	}
	prompt, err := w.systemPrompt(intent)
	require.NoError(t, err)
	assert.Equal(t, body, prompt)
}

func TestSystemPromptMissingTemplateFallsBack(t *testing.T) {
	w := newTestWorker(t)
	w.opts.PromptsDir = t.TempDir()

	intent := &router.Intent{
		PromptType: "perf",
		PromptRule: &config.PromptRule{Labels: []string{"Performance"}, PromptPath: "custom-gone.md"},
	}
	prompt, err := w.systemPrompt(intent)
	require.Error(t, err)
	assert.Equal(t, builtinTemplate(router.PromptTypeFallback), prompt)
}

func TestSystemPromptBuiltins(t *testing.T) {
	w := newTestWorker(t)

	intent := &router.Intent{
		PromptType: "debugger",
		PromptRule: &config.PromptRule{Labels: []string{"Bug"}},
	}
	prompt, err := w.systemPrompt(intent)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Reproduce the failure")

	intent = &router.Intent{PromptType: router.PromptTypeFallback}
	prompt, err = w.systemPrompt(intent)
	require.NoError(t, err)
	assert.Contains(t, prompt, "tracker")

	// Unknown prompt types fall back to the generic template.
	assert.Equal(t, builtinTemplate(router.PromptTypeFallback), builtinTemplate("mystery"))
}

func TestThreadIssueSyntheticChatKey(t *testing.T) {
	event := &transport.InboundEvent{
		TransportKind: transport.KindSlack,
		Surface:       transport.SurfaceRefs{ChannelID: "C1", ThreadID: "1724.000200"},
	}
	issueID, issueKey := threadIssue(event)
	assert.Equal(t, "slack-1724-000200", issueKey)
	assert.Equal(t, issueKey, issueID)

	event = &transport.InboundEvent{
		TransportKind: transport.KindTracker,
		Issue:         &transport.IssueRefs{IssueID: "issue-1", IssueKey: "CY-1"},
	}
	issueID, issueKey = threadIssue(event)
	assert.Equal(t, "issue-1", issueID)
	assert.Equal(t, "CY-1", issueKey)
}
