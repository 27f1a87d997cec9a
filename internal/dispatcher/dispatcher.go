// Package dispatcher turns routing intents into runner calls while enforcing
// the concurrency policies: one runner per session, a bounded number of
// active sessions per repository, and burst-merged prompt delivery.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/backoff"
	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Launcher creates and starts a session for a createSession intent. The
// edge worker implements this: workspace preparation, runner spawn, sink
// wiring.
type Launcher interface {
	Launch(ctx context.Context, intent *router.Intent) (sessionID string, err error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, intent *router.Intent) (string, error)

func (f LauncherFunc) Launch(ctx context.Context, intent *router.Intent) (string, error) {
	return f(ctx, intent)
}

// burstEntry is one prompt waiting inside a session's merge window.
type burstEntry struct {
	author  string
	at      time.Time
	content string
}

type burstBuffer struct {
	timer   *time.Timer
	entries []burstEntry
}

// Dispatcher owns the per-repository admission queues and the per-session
// prompt burst buffers.
type Dispatcher struct {
	cfg        commoncfg.DispatcherConfig
	spawnRetry int
	registry   *session.Registry
	launcher   Launcher
	logger     *logger.Logger

	// baseCtx scopes deferred work such as burst-timer delivery.
	baseCtx context.Context

	mu sync.Mutex
	// repoQueues holds createSession intents waiting for a repository slot.
	repoQueues map[string][]*router.Intent
	// inflight counts launches admitted but not yet visible in the
	// registry, per repository. Keeps the cap over the check-launch gap.
	inflight map[string]int
	// bursts holds per-session prompt buffers inside the merge window.
	bursts map[string]*burstBuffer
	// pendingPrompts queues merged prompts for sessions whose runner does
	// not accept streaming input; replayed when the turn finishes.
	pendingPrompts map[string][]string
	closed         bool
}

// New creates a dispatcher. spawnRetry is the respawn budget applied when a
// launch fails.
func New(ctx context.Context, cfg commoncfg.DispatcherConfig, spawnRetry int, registry *session.Registry, launcher Launcher, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		spawnRetry:     spawnRetry,
		registry:       registry,
		launcher:       launcher,
		logger:         log.WithFields(zap.String("component", "dispatcher")),
		baseCtx:        ctx,
		repoQueues:     make(map[string][]*router.Intent),
		inflight:       make(map[string]int),
		bursts:         make(map[string]*burstBuffer),
		pendingPrompts: make(map[string][]string),
	}
}

// Dispatch executes one intent. Ignore intents are counted and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, intent *router.Intent) error {
	switch intent.Action {
	case router.ActionCreateSession:
		return d.dispatchCreate(ctx, intent)
	case router.ActionPromptExisting:
		d.dispatchPrompt(intent)
		return nil
	case router.ActionStopSession:
		return d.dispatchStop(ctx, intent)
	default:
		return nil
	}
}

func (d *Dispatcher) dispatchCreate(ctx context.Context, intent *router.Intent) error {
	repoID := intent.Repository.ID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is shut down")
	}
	if d.activeLocked(repoID) >= d.maxSessions() {
		d.repoQueues[repoID] = append(d.repoQueues[repoID], intent)
		depth := len(d.repoQueues[repoID])
		d.mu.Unlock()
		metrics.DispatchQueued.WithLabelValues(repoID).Inc()
		d.logger.Info("repository at session cap, intent queued",
			zap.String("repository_id", repoID),
			zap.Int("queue_depth", depth))
		return nil
	}
	// Reserve the slot before releasing the lock; the session is not in the
	// registry until the launch lands.
	d.inflight[repoID]++
	d.mu.Unlock()

	err := d.launchWithRetry(ctx, intent)
	d.releaseLaunch(repoID)
	return err
}

// activeLocked counts live sessions plus launches still in flight. Caller
// holds d.mu.
func (d *Dispatcher) activeLocked(repoID string) int {
	return d.registry.CountActive(repoID) + d.inflight[repoID]
}

// releaseLaunch drops the in-flight reservation and admits a queued intent
// when a failed launch left the slot free.
func (d *Dispatcher) releaseLaunch(repoID string) {
	d.mu.Lock()
	if d.inflight[repoID] > 0 {
		d.inflight[repoID]--
	}
	if d.inflight[repoID] == 0 {
		delete(d.inflight, repoID)
	}
	next := d.admitLocked(repoID)
	d.mu.Unlock()

	if next != nil {
		go d.launchQueued(repoID, next)
	}
}

// admitLocked pops the oldest queued intent when a slot is free, reserving
// it in flight. Caller holds d.mu.
func (d *Dispatcher) admitLocked(repoID string) *router.Intent {
	queue := d.repoQueues[repoID]
	if d.closed || len(queue) == 0 || d.activeLocked(repoID) >= d.maxSessions() {
		return nil
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(d.repoQueues, repoID)
	} else {
		d.repoQueues[repoID] = queue[1:]
	}
	d.inflight[repoID]++
	return next
}

func (d *Dispatcher) launchQueued(repoID string, intent *router.Intent) {
	if err := d.launchWithRetry(d.baseCtx, intent); err != nil {
		d.logger.Error("queued session launch failed",
			zap.String("repository_id", repoID), zap.Error(err))
	}
	d.releaseLaunch(repoID)
}

func (d *Dispatcher) launchWithRetry(ctx context.Context, intent *router.Intent) error {
	var lastErr error
	attempts := d.spawnRetry
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		sessionID, err := d.launcher.Launch(ctx, intent)
		if err == nil {
			d.logger.Info("session launched",
				zap.String("session_id", sessionID),
				zap.String("repository_id", intent.Repository.ID))
			return nil
		}
		lastErr = err
		d.logger.Warn("session launch failed",
			zap.Int("attempt", attempt),
			zap.String("repository_id", intent.Repository.ID),
			zap.Error(err))
		if attempt < attempts {
			if err := backoff.Sleep(ctx, backoff.DefaultPolicy(), attempt); err != nil {
				return err
			}
		}
	}
	metrics.SessionSpawnFailures.WithLabelValues(intent.Repository.ID).Inc()
	return fmt.Errorf("session launch exhausted %d attempts: %w", attempts, lastErr)
}

// dispatchPrompt buffers the prompt into the session's burst window. The
// window timer delivers the merged message once it expires.
func (d *Dispatcher) dispatchPrompt(intent *router.Intent) {
	sessionID := intent.SessionID
	entry := burstEntry{
		author:  intent.Event.Author,
		at:      intent.Event.OccurredAt,
		content: intent.Event.Content,
	}
	if entry.at.IsZero() {
		entry.at = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	buf, ok := d.bursts[sessionID]
	if !ok {
		buf = &burstBuffer{}
		buf.timer = time.AfterFunc(d.burstWindow(), func() {
			d.flushBurst(sessionID)
		})
		d.bursts[sessionID] = buf
	}
	buf.entries = append(buf.entries, entry)
}

// flushBurst merges the buffered prompts into one message and delivers it.
func (d *Dispatcher) flushBurst(sessionID string) {
	d.mu.Lock()
	buf, ok := d.bursts[sessionID]
	if !ok || len(buf.entries) == 0 {
		delete(d.bursts, sessionID)
		d.mu.Unlock()
		return
	}
	delete(d.bursts, sessionID)
	merged := mergePrompts(buf.entries)
	d.mu.Unlock()

	d.deliverPrompt(d.baseCtx, sessionID, merged)
}

// mergePrompts wraps each buffered prompt so author attribution survives
// the merge.
func mergePrompts(entries []burstEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("<new_comment><author>")
		b.WriteString(e.author)
		b.WriteString("</author><timestamp>")
		b.WriteString(e.at.UTC().Format(time.RFC3339))
		b.WriteString("</timestamp><content>")
		b.WriteString(e.content)
		b.WriteString("</content></new_comment>")
	}
	return b.String()
}

func (d *Dispatcher) deliverPrompt(ctx context.Context, sessionID, prompt string) {
	sess, err := d.registry.Get(sessionID)
	if err != nil || sess.Terminal() {
		d.rejectPrompt(sessionID, "the session has already ended; start a new one by commenting on the issue again")
		return
	}

	r := d.registry.Runner(sessionID)
	if r != nil && r.IsRunning() && r.SupportsStreaming() {
		if err := r.AddStreamMessage(ctx, prompt); err != nil {
			d.logger.Warn("stream delivery failed, queueing prompt",
				zap.String("session_id", sessionID), zap.Error(err))
		} else {
			d.registry.Touch(sessionID)
			return
		}
	}

	// Non-streaming runner or delivery failure: hold the prompt for replay
	// once the current turn finishes.
	d.mu.Lock()
	d.pendingPrompts[sessionID] = append(d.pendingPrompts[sessionID], prompt)
	d.mu.Unlock()
	d.logger.Debug("prompt queued for replay",
		zap.String("session_id", sessionID))
}

// rejectPrompt posts a user-visible error for a prompt that cannot be
// delivered.
func (d *Dispatcher) rejectPrompt(sessionID, reason string) {
	pump := d.registry.Pump(sessionID)
	if pump == nil {
		d.logger.Warn("dropping undeliverable prompt, no sink",
			zap.String("session_id", sessionID))
		return
	}
	pump.Submit(&sink.Activity{Activity: tracker.Activity{
		Kind: tracker.ActivityError,
		Body: reason,
	}})
}

func (d *Dispatcher) dispatchStop(ctx context.Context, intent *router.Intent) error {
	sessionID := intent.SessionID

	d.mu.Lock()
	if buf, ok := d.bursts[sessionID]; ok {
		buf.timer.Stop()
		delete(d.bursts, sessionID)
	}
	discarded := len(d.pendingPrompts[sessionID])
	delete(d.pendingPrompts, sessionID)
	d.mu.Unlock()

	if discarded > 0 {
		d.rejectPrompt(sessionID, fmt.Sprintf(
			"%d queued prompt(s) were discarded because the session was stopped", discarded))
	}

	if r := d.registry.Runner(sessionID); r != nil && r.IsRunning() {
		if err := r.Stop(ctx); err != nil {
			d.logger.Warn("runner stop failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return d.registry.SetState(ctx, sessionID, session.StateStopped)
}

// TakePendingPrompt pops the oldest queued prompt for a session, if any.
// The edge worker calls this when a non-streaming turn completes to decide
// whether to resume the runner.
func (d *Dispatcher) TakePendingPrompt(sessionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue := d.pendingPrompts[sessionID]
	if len(queue) == 0 {
		return "", false
	}
	prompt := queue[0]
	if len(queue) == 1 {
		delete(d.pendingPrompts, sessionID)
	} else {
		d.pendingPrompts[sessionID] = queue[1:]
	}
	return prompt, true
}

// SessionFinished releases the session's repository slot and admits the
// oldest queued intent, if any. Called on every terminal transition.
func (d *Dispatcher) SessionFinished(repositoryID, sessionID string) {
	d.mu.Lock()
	if buf, ok := d.bursts[sessionID]; ok {
		buf.timer.Stop()
		delete(d.bursts, sessionID)
	}
	delete(d.pendingPrompts, sessionID)
	next := d.admitLocked(repositoryID)
	d.mu.Unlock()

	if next != nil {
		go d.launchQueued(repositoryID, next)
	}
}

// QueueDepth reports how many createSession intents wait for the repository.
func (d *Dispatcher) QueueDepth(repositoryID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.repoQueues[repositoryID])
}

// DiscardSessionWork drops any buffered or queued prompts for a session
// without posting an error. Used when a repository is removed from config.
func (d *Dispatcher) DiscardSessionWork(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.bursts[sessionID]; ok {
		buf.timer.Stop()
		delete(d.bursts, sessionID)
	}
	delete(d.pendingPrompts, sessionID)
}

// Close stops all burst timers and rejects further work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, buf := range d.bursts {
		buf.timer.Stop()
		delete(d.bursts, id)
	}
	d.repoQueues = make(map[string][]*router.Intent)
}

func (d *Dispatcher) maxSessions() int {
	if d.cfg.MaxSessionsPerRepo > 0 {
		return d.cfg.MaxSessionsPerRepo
	}
	return 3
}

func (d *Dispatcher) burstWindow() time.Duration {
	if d.cfg.BurstWindow > 0 {
		return d.cfg.BurstWindowDuration()
	}
	return 2 * time.Second
}
