package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("get_issue_context",
			mcp.WithDescription(
				"Fetch the issue this session works on: title, description, "+
					"state, labels, and the comment thread. Call this when you "+
					"need context beyond the prompt."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID provided in your environment"),
			),
		),
		getIssueContextHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("post_progress",
			mcp.WithDescription(
				"Post a progress update to the issue thread. Use kind "+
					"\"thought\" for intermediate updates and \"response\" for "+
					"user-facing conclusions."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID provided in your environment"),
			),
			mcp.WithString("body",
				mcp.Required(),
				mcp.Description("Markdown body of the update"),
			),
			mcp.WithString("kind",
				mcp.Description("Activity kind: thought, response, or elicitation (default thought)"),
			),
		),
		postProgressHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 2))
}

func getIssueContextHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := deps.Registry.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown session %s", sessionID)), nil
		}
		svc := deps.TrackerFor(sess.RepositoryID)
		if svc == nil {
			return mcp.NewToolResultError("No tracker is configured for this repository"), nil
		}

		issue, err := svc.GetIssue(ctx, sess.IssueID)
		if err != nil {
			log.Warn("mcp issue fetch failed",
				zap.String("issue_id", sess.IssueID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch issue: %v", err)), nil
		}
		comments, err := svc.ListComments(ctx, sess.IssueID)
		if err != nil {
			log.Warn("mcp comment fetch failed",
				zap.String("issue_id", sess.IssueID), zap.Error(err))
			comments = nil
		}

		return mcp.NewToolResultText(renderIssueContext(issue, comments)), nil
	}
}

func renderIssueContext(issue *tracker.Issue, comments []tracker.Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", issue.Identifier, issue.Title)
	fmt.Fprintf(&b, "State: %s\n", issue.StateName)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if issue.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", issue.URL)
	}
	if issue.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Description)
	}
	if len(comments) > 0 {
		b.WriteString("\n## Thread\n")
		for _, comment := range comments {
			fmt.Fprintf(&b, "\n**%s** (%s):\n%s\n",
				comment.Author,
				comment.CreatedAt.Format("2006-01-02 15:04"),
				comment.Body)
		}
	}
	return b.String()
}

func postProgressHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := req.RequireString("body")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		kind := req.GetString("kind", tracker.ActivityThought)
		switch kind {
		case tracker.ActivityThought, tracker.ActivityResponse, tracker.ActivityElicitation:
		default:
			return mcp.NewToolResultError(fmt.Sprintf("Unsupported activity kind %q", kind)), nil
		}

		pump := deps.Registry.Pump(sessionID)
		if pump == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Session %s has no active sink", sessionID)), nil
		}
		if !pump.Submit(&sink.Activity{Activity: tracker.Activity{Kind: kind, Body: body}}) {
			return mcp.NewToolResultError("The session's sink is closed"), nil
		}

		log.Debug("mcp progress posted",
			zap.String("session_id", sessionID), zap.String("kind", kind))
		return mcp.NewToolResultText("Progress posted."), nil
	}
}
