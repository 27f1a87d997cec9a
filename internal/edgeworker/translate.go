package edgeworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/format"
	"github.com/ceedaragents/cyrus/internal/hooks"
	"github.com/ceedaragents/cyrus/internal/metrics"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// runOutcome classifies how one runner turn ended.
type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomeFailed
	outcomeStopped
)

const finishTimeout = 30 * time.Second

// supervise consumes the runner's message stream until the session reaches
// a terminal state. Completed turns with a queued follow-up resume the
// provider session on a fresh runner instead of finishing.
func (w *Worker) supervise(sessionID string, intent *router.Intent, run runner.AgentRunner, pump *sink.Pump) {
	current := run
	for {
		outcome := w.consumeStream(sessionID, intent, current, pump)

		if outcome == outcomeCompleted {
			if prompt, ok := w.dispatcher.TakePendingPrompt(sessionID); ok {
				next, err := w.resumeRunner(sessionID, intent, current, prompt)
				if err == nil {
					current = next
					continue
				}
				w.logger.Error("failed to resume session for queued prompt",
					zap.String("session_id", sessionID), zap.Error(err))
				pump.Submit(&sink.Activity{Activity: tracker.Activity{
					Kind: tracker.ActivityError,
					Body: "A follow-up comment could not be delivered because the session failed to resume. Comment again to start a new session.",
				}})
			}
		}

		w.finishSession(sessionID, intent, outcome, pump)
		return
	}
}

// consumeStream translates canonical runner messages into sink activities
// and registry transitions. Returns when the stream ends.
func (w *Worker) consumeStream(sessionID string, intent *router.Intent, run runner.AgentRunner, pump *sink.Pump) runOutcome {
	ctx := w.runCtx
	formatter := run.Formatter()
	hk := hooks.ForPromptType(intent.PromptType)
	// pendingTools tracks tool calls awaiting their result so a crash can
	// pair them off.
	pendingTools := make(map[string]*runner.ToolUse)

	for msg := range run.Messages() {
		w.registry.Touch(sessionID)

		switch msg.Type {
		case runner.MessageSystemInit:
			if msg.Init.SessionID != "" {
				if err := w.registry.SetProviderSessionID(ctx, sessionID, msg.Init.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
					w.logger.Warn("failed to record provider session id",
						zap.String("session_id", sessionID), zap.Error(err))
				}
			}
			if err := w.registry.SetState(ctx, sessionID, session.StateActive); err != nil && !errors.Is(err, session.ErrNotFound) {
				w.logger.Warn("failed to mark session active",
					zap.String("session_id", sessionID), zap.Error(err))
			}

		case runner.MessageAssistant:
			if text := msg.Assistant.TextContent(); text != "" {
				pump.Submit(&sink.Activity{Activity: tracker.Activity{
					Kind: tracker.ActivityThought,
					Body: text,
				}})
			}
			for _, use := range msg.Assistant.ToolUses() {
				pendingTools[use.ID] = use
				if guidance, ok := hk.PreToolUse(ctx, hooks.ToolUse{Name: use.Name, Input: use.Input}); ok {
					w.injectGuidance(run, sessionID, guidance)
				}
				body := formatter.ActionName(use.Name, use.Input, false)
				if param := formatter.Parameter(use.Name, use.Input); param != "" {
					body += ": " + param
				}
				pump.Submit(&sink.Activity{Activity: tracker.Activity{
					Kind:      tracker.ActivityAction,
					Body:      body,
					Ephemeral: true,
				}})
			}

		case runner.MessageToolResult:
			use := pendingTools[msg.ToolResult.ToolUseID]
			delete(pendingTools, msg.ToolResult.ToolUseID)
			var input map[string]any
			name := msg.ToolResult.ToolName
			if use != nil {
				input = use.Input
				if name == "" {
					name = use.Name
				}
			}
			pump.Submit(&sink.Activity{Activity: tracker.Activity{
				Kind: tracker.ActivityAction,
				Body: formatter.Result(name, input, msg.ToolResult.Content, msg.ToolResult.IsError),
			}})
			if guidance, ok := hk.PostToolUse(ctx, hooks.ToolUse{Name: name, Input: input}, msg.ToolResult.Content, msg.ToolResult.IsError); ok {
				w.injectGuidance(run, sessionID, guidance)
			}

		case runner.MessageResultSuccess:
			if msg.Result.LastText != "" {
				pump.Submit(&sink.Activity{Activity: tracker.Activity{
					Kind: tracker.ActivityResponse,
					Body: msg.Result.LastText,
				}})
			}
			return outcomeCompleted

		case runner.MessageResultError:
			if w.sessionStopped(sessionID) {
				return outcomeStopped
			}
			w.resolveOutstanding(sessionID, pendingTools, formatter, pump)
			body := "The agent run failed."
			if len(msg.Result.Errors) > 0 {
				body = strings.Join(msg.Result.Errors, "\n")
			}
			pump.Submit(&sink.Activity{Activity: tracker.Activity{
				Kind: tracker.ActivityError,
				Body: body,
			}})
			return outcomeFailed
		}
	}

	// Stream closed without a terminal message; the supervisor normally
	// synthesizes one, so this is a defensive path.
	if w.sessionStopped(sessionID) {
		return outcomeStopped
	}
	return outcomeFailed
}

// resolveOutstanding pairs every tool call still awaiting a result with a
// synthesized error result activity, so the ephemeral action is replaced on
// the surface before the terminal error lands. The supervisor synthesizes
// the matching tool_result on crash; this covers provider-emitted
// result.error messages that skip the pairing.
func (w *Worker) resolveOutstanding(sessionID string, pendingTools map[string]*runner.ToolUse, formatter format.Formatter, pump *sink.Pump) {
	for id, use := range pendingTools {
		w.logger.Info("synthesized error result for outstanding tool call",
			zap.String("session_id", sessionID),
			zap.String("tool_use_id", id),
			zap.String("tool", use.Name))
		pump.Submit(&sink.Activity{Activity: tracker.Activity{
			Kind: tracker.ActivityAction,
			Body: formatter.Result(use.Name, use.Input, "The tool call did not return before the run failed.", true),
		}})
		delete(pendingTools, id)
	}
}

// sessionStopped reports whether the session was stopped (or freed) out
// from under the runner, in which case the terminal error is expected and
// not surfaced again.
func (w *Worker) sessionStopped(sessionID string) bool {
	sess, err := w.registry.Get(sessionID)
	if err != nil {
		return true
	}
	return sess.State == session.StateStopped
}

// injectGuidance streams hook guidance into the running turn. Runners
// without streaming input skip it.
func (w *Worker) injectGuidance(run runner.AgentRunner, sessionID, guidance string) {
	if !run.SupportsStreaming() || !run.IsRunning() {
		return
	}
	if err := run.AddStreamMessage(w.runCtx, guidance); err != nil {
		w.logger.Debug("guidance injection failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// resumeRunner spawns a fresh runner resuming the provider session with the
// queued prompt. Used for runners without streaming input.
func (w *Worker) resumeRunner(sessionID string, intent *router.Intent, prev runner.AgentRunner, prompt string) (runner.AgentRunner, error) {
	sess, err := w.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	resumeID := sess.ProviderSessionID
	if resumeID == "" {
		resumeID = prev.ProviderSessionID()
	}
	if resumeID == "" {
		return nil, fmt.Errorf("session has no provider id to resume")
	}

	run, err := w.newRunner(sess, intent, resumeID)
	if err != nil {
		return nil, err
	}
	if err := w.registry.AttachRunner(sessionID, run); err != nil {
		return nil, err
	}
	if err := run.StartStreaming(w.runCtx, prompt); err != nil {
		return nil, fmt.Errorf("failed to resume runner: %w", err)
	}

	w.logger.Info("session resumed for queued prompt",
		zap.String("session_id", sessionID),
		zap.String("provider_session_id", resumeID))
	return run, nil
}

// finishSession records the terminal state, releases the repository slot,
// and drains the sink.
func (w *Worker) finishSession(sessionID string, intent *router.Intent, outcome runOutcome, pump *sink.Pump) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	switch outcome {
	case outcomeCompleted:
		if err := w.registry.SetState(ctx, sessionID, session.StateCompleted); err != nil && !errors.Is(err, session.ErrNotFound) {
			w.logger.Warn("failed to mark session completed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	case outcomeFailed:
		metrics.SessionsFailed.Inc()
		if err := w.registry.SetState(ctx, sessionID, session.StateFailed); err != nil && !errors.Is(err, session.ErrNotFound) {
			w.logger.Warn("failed to mark session failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	case outcomeStopped:
		// The stop path already transitioned the session.
	}

	w.dispatcher.SessionFinished(intent.Repository.ID, sessionID)
	if err := pump.Close(ctx); err != nil {
		w.logger.Warn("sink did not drain before deadline",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	w.announce(sessionID, intent, outcome)
}

// announce posts the terminal transition to the Discord operations feed.
func (w *Worker) announce(sessionID string, intent *router.Intent, outcome runOutcome) {
	if w.feedPump == nil {
		return
	}
	kind := tracker.ActivityResponse
	verb := "completed"
	switch outcome {
	case outcomeFailed:
		kind = tracker.ActivityError
		verb = "failed"
	case outcomeStopped:
		verb = "stopped"
	}
	issueKey := sessionID
	if sess, err := w.registry.Get(sessionID); err == nil {
		issueKey = sess.IssueKey
	}
	w.feedPump.Submit(&sink.Activity{Activity: tracker.Activity{
		Kind: kind,
		Body: fmt.Sprintf("Session for %s on %s %s", issueKey, intent.Repository.Name, verb),
	}})
}
