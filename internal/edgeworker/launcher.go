package edgeworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/metrics"
	"github.com/ceedaragents/cyrus/internal/promptplan"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/transport"
)

// launch implements the dispatcher's Launcher: prepare the workspace,
// create the session, wire the sink, spawn the runner, and hand the stream
// to a supervision goroutine.
func (w *Worker) launch(ctx context.Context, intent *router.Intent) (string, error) {
	repo := intent.Repository
	event := intent.Event

	issueID, issueKey := threadIssue(event)
	branchName := ""
	if intent.Issue != nil {
		branchName = intent.Issue.BranchName
	}

	workspacePath, branch, err := w.workspaces.Prepare(ctx, repo.RepositoryPath, repo.BaseBranch, issueKey, branchName)
	if err != nil {
		return "", fmt.Errorf("failed to prepare workspace: %w", err)
	}

	sess, err := w.registry.Create(ctx, &session.Session{
		IssueID:       issueID,
		IssueKey:      issueKey,
		ThreadID:      event.Surface.ThreadID,
		RepositoryID:  repo.ID,
		WorkspacePath: workspacePath,
		Branch:        branch,
		RunnerKind:    w.runnerKind(),
		PromptType:    intent.PromptType,
	})
	if err != nil {
		return "", err
	}

	pump := sink.NewPump(w.surfaceSink(intent, issueID), w.logger)
	if err := w.registry.AttachPump(sess.ID, pump); err != nil {
		w.registry.Remove(sess.ID)
		return "", err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		pump.Run(w.runCtx)
	}()

	run, err := w.newRunner(sess, intent, "")
	if err != nil {
		w.abortLaunch(sess.ID, pump)
		return "", err
	}
	if err := w.registry.AttachRunner(sess.ID, run); err != nil {
		w.abortLaunch(sess.ID, pump)
		return "", err
	}

	if err := run.StartStreaming(ctx, w.userPrompt(intent)); err != nil {
		w.abortLaunch(sess.ID, pump)
		return "", fmt.Errorf("failed to start runner: %w", err)
	}

	metrics.SessionsStarted.WithLabelValues(w.runnerKind()).Inc()
	w.logger.Info("session launched",
		zap.String("session_id", sess.ID),
		zap.String("issue_key", issueKey),
		zap.String("repository_id", repo.ID),
		zap.String("prompt_type", intent.PromptType),
		zap.String("prompt_match", intent.PromptMatch))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.supervise(sess.ID, intent, run, pump)
	}()
	return sess.ID, nil
}

// newRunner builds the runner options shared by first launch and resume.
func (w *Worker) newRunner(sess *session.Session, intent *router.Intent, resumeID string) (runner.AgentRunner, error) {
	systemPrompt, err := w.systemPrompt(intent)
	if err != nil {
		w.logger.Warn("prompt template unreadable, using built-in fallback",
			zap.String("prompt_type", intent.PromptType), zap.Error(err))
	}

	mcpPath, err := w.writeMCPConfig(sess.ID)
	if err != nil {
		w.logger.Warn("mcp config unavailable for session", zap.Error(err))
		mcpPath = ""
	}

	opts := runner.Options{
		SessionKey:      sess.ID,
		WorkspacePath:   sess.WorkspacePath,
		SystemPrompt:    systemPrompt,
		Model:           w.opts.Model,
		AllowedTools:    intent.AllowedTools,
		DisallowedTools: intent.DisallowedTools,
		Streaming:       true,
		ResumeSessionID: resumeID,
		LogDir:          filepath.Join(w.cfg.Home, "logs"),
		Executable:      w.opts.RunnerExecutable,
		Env:             []string{"CYRUS_SESSION_ID=" + sess.ID},
		MCPConfigPath:   mcpPath,
		StopGrace:       w.cfg.Runner.StopGraceDuration(),
		IdleTimeout:     w.cfg.Runner.IdleTimeoutDuration(),
	}
	return runner.New(sess.RunnerKind, opts, w.logger)
}

// abortLaunch frees a half-built session so the dispatcher can retry.
func (w *Worker) abortLaunch(sessionID string, pump *sink.Pump) {
	w.registry.Remove(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pump.Close(ctx); err != nil {
		w.logger.Warn("pump did not drain after aborted launch",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// surfaceSink picks where activities go: back into the Slack thread for
// Slack-origin sessions, otherwise onto the tracker issue.
func (w *Worker) surfaceSink(intent *router.Intent, issueID string) sink.ActivitySink {
	event := intent.Event
	if event.TransportKind == transport.KindSlack && w.opts.SlackBotToken != "" && event.Surface.ChannelID != "" {
		threadTS := event.Surface.ThreadID
		if threadTS == "" {
			threadTS = event.Surface.MessageID
		}
		return sink.NewSlackSink(w.opts.SlackBotToken, event.Surface.ChannelID, threadTS, w.logger)
	}
	return sink.NewTrackerSink(w.trackerFor(intent.Repository.TokenMaterial), issueID, w.logger)
}

// threadIssue derives the workspace and registry identity for an event.
// Chat threads without a tracker issue get a stable synthetic key.
func threadIssue(event *transport.InboundEvent) (issueID, issueKey string) {
	if event.Issue != nil {
		issueID = event.Issue.IssueID
		issueKey = event.Issue.IssueKey
	}
	if issueKey == "" {
		ref := event.Surface.ThreadID
		if ref == "" {
			ref = event.Surface.MessageID
		}
		issueKey = event.TransportKind + "-" + promptplan.NormalizeName(ref)
	}
	if issueID == "" {
		issueID = issueKey
	}
	return issueID, issueKey
}

// writeMCPConfig renders the per-session MCP client config the agent CLI
// loads to reach the embedded server.
func (w *Worker) writeMCPConfig(sessionID string) (string, error) {
	doc := map[string]any{
		"mcpServers": map[string]any{
			"cyrus": map[string]any{
				"type": "http",
				"url":  w.mcpServer.Endpoint(),
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}

	dir := filepath.Join(w.cfg.Home, "mcp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sessionID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
