package edgeworker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/format"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/store"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/transport"
)

func testWorkerLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testWorkerLogger(t)
	home := t.TempDir()

	repoPath := filepath.Join(home, "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))

	seed := `{"repositories":[{"id":"repo-web","name":"webapp","repositoryPath":"` + repoPath +
		`","issueTrackerWorkspaceId":"ws-1","tokenMaterial":"tok-1","teamKeys":["CY"]}]}`
	configPath := filepath.Join(home, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(seed), 0o600))

	eventBus := bus.NewMemoryEventBus(log)
	manager := config.NewManager(configPath, eventBus, log)
	require.NoError(t, manager.Load())

	db, err := store.Open(commoncfg.DatabaseConfig{Path: filepath.Join(home, "cyrus.db")})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &commoncfg.Config{
		Home:       home,
		Server:     commoncfg.ServerConfig{Host: "127.0.0.1", Port: 3456, ShutdownGrace: 1},
		Router:     commoncfg.RouterConfig{DedupWindow: 300},
		Dispatcher: commoncfg.DispatcherConfig{BurstWindow: 50, MaxSessionsPerRepo: 3, SinkRetryBudget: 5},
		Runner:     commoncfg.RunnerConfig{StopGrace: 1, SpawnRetry: 1},
		Workspace:  commoncfg.WorkspaceConfig{BasePath: filepath.Join(home, "workspaces"), DefaultBranch: "main"},
	}

	w, err := New(cfg, manager, eventBus, st, Options{RunnerKind: runner.KindJSONL}, log)
	require.NoError(t, err)
	t.Cleanup(w.runCancel)
	w.seedRepoSnapshot()
	return w
}

func (w *Worker) testRepository(t *testing.T) config.Repository {
	t.Helper()
	cfg := w.manager.Get()
	repo, ok := cfg.FindRepository("repo-web")
	require.True(t, ok)
	return repo
}

// recordingSink captures delivered activities for assertions.
type recordingSink struct {
	mu   sync.Mutex
	acts []*sink.Activity
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Post(_ context.Context, activity *sink.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acts = append(s.acts, activity)
	return nil
}

func (s *recordingSink) snapshot() []*sink.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sink.Activity(nil), s.acts...)
}

func (s *recordingSink) countKind(kind string) int {
	n := 0
	for _, a := range s.snapshot() {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) bodyContaining(substr string) bool {
	for _, a := range s.snapshot() {
		if strings.Contains(a.Body, substr) {
			return true
		}
	}
	return false
}

// scriptRunner is a hand-driven AgentRunner for supervision tests.
type scriptRunner struct {
	mu        sync.Mutex
	msgs      chan *runner.AgentMessage
	closeOnce sync.Once
	running   bool
	stopped   bool
	streaming bool
	streamed  []string
	provider  string
}

func newScriptRunner(streaming bool) *scriptRunner {
	return &scriptRunner{
		msgs:      make(chan *runner.AgentMessage, 16),
		running:   true,
		streaming: streaming,
	}
}

func (r *scriptRunner) emit(m *runner.AgentMessage) {
	r.msgs <- m
	if m.Terminal() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.closeOnce.Do(func() { close(r.msgs) })
	}
}

func (r *scriptRunner) Start(context.Context) error { return nil }

func (r *scriptRunner) StartStreaming(_ context.Context, initial string) error {
	if initial != "" {
		r.mu.Lock()
		r.streamed = append(r.streamed, initial)
		r.mu.Unlock()
	}
	return nil
}

func (r *scriptRunner) AddStreamMessage(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = append(r.streamed, text)
	return nil
}

func (r *scriptRunner) CompleteStream() error { return nil }

func (r *scriptRunner) Stop(context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.running = false
	r.mu.Unlock()
	r.closeOnce.Do(func() {
		r.msgs <- &runner.AgentMessage{
			Type:   runner.MessageResultError,
			Result: &runner.ResultPayload{Errors: []string{"runner stopped"}},
		}
		close(r.msgs)
	})
	return nil
}

func (r *scriptRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *scriptRunner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *scriptRunner) SupportsStreaming() bool               { return r.streaming }
func (r *scriptRunner) ProviderSessionID() string             { return r.provider }
func (r *scriptRunner) Messages() <-chan *runner.AgentMessage { return r.msgs }
func (r *scriptRunner) History() []*runner.AgentMessage       { return nil }
func (r *scriptRunner) Formatter() format.Formatter           { return format.NewGenericFormatter() }

type supervisedSession struct {
	sess *session.Session
	run  *scriptRunner
	rec  *recordingSink
	pump *sink.Pump
}

// startSupervised creates a session backed by a script runner and starts
// its supervision loop.
func startSupervised(t *testing.T, w *Worker, intent *router.Intent) *supervisedSession {
	t.Helper()
	ctx := context.Background()

	sess, err := w.registry.Create(ctx, &session.Session{
		IssueID:      "issue-CY-1",
		IssueKey:     "CY-1",
		RepositoryID: "repo-web",
		RunnerKind:   runner.KindJSONL,
		PromptType:   intent.PromptType,
	})
	require.NoError(t, err)

	rec := &recordingSink{}
	pump := sink.NewPump(rec, testWorkerLogger(t))
	require.NoError(t, w.registry.AttachPump(sess.ID, pump))
	go pump.Run(w.runCtx)

	run := newScriptRunner(false)
	require.NoError(t, w.registry.AttachRunner(sess.ID, run))

	go w.supervise(sess.ID, intent, run, pump)
	return &supervisedSession{sess: sess, run: run, rec: rec, pump: pump}
}

func testIntent(w *Worker, t *testing.T) *router.Intent {
	return &router.Intent{
		Action: router.ActionCreateSession,
		Event: &transport.InboundEvent{
			TransportKind: transport.KindTracker,
			Kind:          transport.EventNewThread,
			Author:        "alice",
			Issue:         &transport.IssueRefs{IssueID: "issue-CY-1", IssueKey: "CY-1", TeamKey: "CY"},
		},
		Repository: w.testRepository(t),
		PromptType: router.PromptTypeFallback,
	}
}

func TestSuperviseTranslatesRunLifecycle(t *testing.T) {
	w := newTestWorker(t)
	s := startSupervised(t, w, testIntent(w, t))

	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageSystemInit,
		Init: &runner.InitPayload{SessionID: "prov-9", Model: "test-model"},
	})

	require.Eventually(t, func() bool {
		sess, err := w.registry.Get(s.sess.ID)
		return err == nil && sess.State == session.StateActive && sess.ProviderSessionID == "prov-9"
	}, 2*time.Second, 10*time.Millisecond)

	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageAssistant,
		Assistant: &runner.AssistantPayload{Blocks: []runner.AssistantBlock{
			{Text: "Looking at the issue"},
			{ToolUse: &runner.ToolUse{ID: "t1", Name: "Read", Input: map[string]any{"file_path": "main.go"}}},
		}},
	})
	s.run.emit(&runner.AgentMessage{
		Type:       runner.MessageToolResult,
		ToolResult: &runner.ToolResultPayload{ToolUseID: "t1", Content: "package main"},
	})
	s.run.emit(&runner.AgentMessage{
		Type:   runner.MessageResultSuccess,
		Result: &runner.ResultPayload{LastText: "All done"},
	})

	require.Eventually(t, func() bool {
		sess, err := w.registry.Get(s.sess.ID)
		return err == nil && sess.State == session.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.rec.countKind(tracker.ActivityResponse) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, s.rec.bodyContaining("Looking at the issue"))
	assert.True(t, s.rec.bodyContaining("package main"))
	assert.True(t, s.rec.bodyContaining("All done"))

	acts := s.rec.snapshot()
	assert.Equal(t, tracker.ActivityResponse, acts[len(acts)-1].Kind)
}

func TestCrashResolvesOutstandingToolUse(t *testing.T) {
	w := newTestWorker(t)
	s := startSupervised(t, w, testIntent(w, t))

	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageSystemInit,
		Init: &runner.InitPayload{SessionID: "prov-1"},
	})
	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageAssistant,
		Assistant: &runner.AssistantPayload{Blocks: []runner.AssistantBlock{
			{ToolUse: &runner.ToolUse{ID: "t1", Name: "Bash", Input: map[string]any{"command": "sleep 999"}}},
		}},
	})
	s.run.emit(&runner.AgentMessage{
		Type:   runner.MessageResultError,
		Result: &runner.ResultPayload{Errors: []string{"runner exited unexpectedly"}},
	})

	require.Eventually(t, func() bool {
		sess, err := w.registry.Get(s.sess.ID)
		return err == nil && sess.State == session.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.rec.countKind(tracker.ActivityError) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The failure activity ends the stream; no ephemeral action dangles.
	acts := s.rec.snapshot()
	last := acts[len(acts)-1]
	assert.Equal(t, tracker.ActivityError, last.Kind)
	assert.False(t, last.Ephemeral)
	assert.True(t, s.rec.bodyContaining("runner exited unexpectedly"))
}

func TestCrashPostsErrorResultForOutstandingToolUse(t *testing.T) {
	w := newTestWorker(t)
	s := startSupervised(t, w, testIntent(w, t))

	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageSystemInit,
		Init: &runner.InitPayload{SessionID: "prov-1"},
	})
	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageAssistant,
		Assistant: &runner.AssistantPayload{Blocks: []runner.AssistantBlock{
			{ToolUse: &runner.ToolUse{ID: "t1", Name: "Bash", Input: map[string]any{"command": "make test"}}},
		}},
	})
	s.run.emit(&runner.AgentMessage{
		Type:   runner.MessageResultError,
		Result: &runner.ResultPayload{Errors: []string{"runner exited unexpectedly"}},
	})

	require.Eventually(t, func() bool {
		sess, err := w.registry.Get(s.sess.ID)
		return err == nil && sess.State == session.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	// The outstanding call is paired with a non-ephemeral error result
	// before the terminal error activity.
	require.Eventually(t, func() bool {
		return s.rec.bodyContaining("Failed: Bash")
	}, 2*time.Second, 10*time.Millisecond)

	pairedAt, errorAt := -1, -1
	for i, act := range s.rec.snapshot() {
		if act.Kind == tracker.ActivityAction && !act.Ephemeral && strings.Contains(act.Body, "Failed: Bash") {
			pairedAt = i
		}
		if act.Kind == tracker.ActivityError {
			errorAt = i
		}
	}
	require.GreaterOrEqual(t, pairedAt, 0)
	require.GreaterOrEqual(t, errorAt, 0)
	assert.Less(t, pairedAt, errorAt)
}

func TestStoppedSessionSuppressesTerminalError(t *testing.T) {
	w := newTestWorker(t)
	s := startSupervised(t, w, testIntent(w, t))

	s.run.emit(&runner.AgentMessage{
		Type: runner.MessageSystemInit,
		Init: &runner.InitPayload{SessionID: "prov-1"},
	})
	require.Eventually(t, func() bool {
		sess, err := w.registry.Get(s.sess.ID)
		return err == nil && sess.State == session.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.registry.SetState(context.Background(), s.sess.ID, session.StateStopped))
	s.run.emit(&runner.AgentMessage{
		Type:   runner.MessageResultError,
		Result: &runner.ResultPayload{Errors: []string{"killed"}},
	})

	// The pump closes once supervision finishes.
	require.Eventually(t, func() bool {
		return !s.pump.Submit(&sink.Activity{Activity: tracker.Activity{Kind: tracker.ActivityThought, Body: "probe"}})
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, s.rec.countKind(tracker.ActivityError))
	sess, err := w.registry.Get(s.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateStopped, sess.State)
}

func TestOrchestratorGuidanceStreamsIntoRunner(t *testing.T) {
	w := newTestWorker(t)

	intent := testIntent(w, t)
	intent.PromptType = "orchestrator"

	ctx := context.Background()
	sess, err := w.registry.Create(ctx, &session.Session{
		IssueID: "issue-CY-2", IssueKey: "CY-2", RepositoryID: "repo-web",
		RunnerKind: runner.KindJSONL, PromptType: "orchestrator",
	})
	require.NoError(t, err)

	rec := &recordingSink{}
	pump := sink.NewPump(rec, testWorkerLogger(t))
	require.NoError(t, w.registry.AttachPump(sess.ID, pump))
	go pump.Run(w.runCtx)

	run := newScriptRunner(true)
	require.NoError(t, w.registry.AttachRunner(sess.ID, run))
	go w.supervise(sess.ID, intent, run, pump)

	run.emit(&runner.AgentMessage{
		Type: runner.MessageAssistant,
		Assistant: &runner.AssistantPayload{Blocks: []runner.AssistantBlock{
			{ToolUse: &runner.ToolUse{ID: "t1", Name: "TodoWrite", Input: map[string]any{"todos": "plan"}}},
		}},
	})
	run.emit(&runner.AgentMessage{
		Type:       runner.MessageToolResult,
		ToolResult: &runner.ToolResultPayload{ToolUseID: "t1", Content: "ok"},
	})

	require.Eventually(t, func() bool {
		run.mu.Lock()
		defer run.mu.Unlock()
		return len(run.streamed) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	run.emit(&runner.AgentMessage{
		Type:   runner.MessageResultSuccess,
		Result: &runner.ResultPayload{LastText: "delegated"},
	})
}
