package edgeworker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ceedaragents/cyrus/internal/router"
)

// promptsDir resolves where custom prompt templates live.
func (w *Worker) promptsDir() string {
	if w.opts.PromptsDir != "" {
		return w.opts.PromptsDir
	}
	return filepath.Join(w.cfg.Home, "prompts")
}

// systemPrompt renders the session's system prompt: the rule's template
// file when it has one, the built-in template otherwise. File errors fall
// back to the built-in and are reported to the caller.
func (w *Worker) systemPrompt(intent *router.Intent) (string, error) {
	rule := intent.PromptRule
	if rule == nil || rule.PromptPath == "" {
		return builtinTemplate(intent.PromptType), nil
	}

	path := rule.PromptPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.promptsDir(), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return builtinTemplate(intent.PromptType), fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}
	return string(data), nil
}

// userPrompt renders the initial prompt: the issue context block followed
// by the triggering comment, if any.
func (w *Worker) userPrompt(intent *router.Intent) string {
	event := intent.Event
	var b strings.Builder

	// Label-routed sessions reference the ticket by identifier; fallback
	// sessions use the short id form.
	attr := "id"
	if intent.PromptMatch == router.PromptMatchLabel {
		attr = "identifier"
	}

	if issue := intent.Issue; issue != nil {
		fmt.Fprintf(&b, "<linear_issue %s=%q>\n", attr, issue.Identifier)
		fmt.Fprintf(&b, "<title>%s</title>\n", issue.Title)
		if issue.Description != "" {
			fmt.Fprintf(&b, "<description>\n%s\n</description>\n", issue.Description)
		}
		if issue.URL != "" {
			fmt.Fprintf(&b, "<url>%s</url>\n", issue.URL)
		}
		b.WriteString("</linear_issue>")
	} else if event.Issue != nil && event.Issue.IssueKey != "" {
		// The ticket could not be fetched; the agent can pull it through
		// the MCP get_issue_context tool.
		fmt.Fprintf(&b, "<linear_issue %s=%q></linear_issue>", attr, event.Issue.IssueKey)
	}

	if event.Content != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		author := event.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "User comment from %s:\n%s", author, event.Content)
	}

	for _, att := range event.Attachments {
		fmt.Fprintf(&b, "\nAttachment: %s (%s)", att.Filename, att.URL)
	}

	if b.Len() == 0 {
		b.WriteString("Review this repository and report what you find.")
	}
	return b.String()
}
