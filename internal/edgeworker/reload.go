package edgeworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

const drainTimeout = 30 * time.Second

// seedRepoSnapshot primes the per-repository snapshot used to classify
// config changes. Called once before serving.
func (w *Worker) seedRepoSnapshot() {
	cfg := w.manager.Get()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRepos = make(map[string]config.Repository, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		w.lastRepos[repo.ID] = repo
	}
}

// onConfigChange applies a published config: removed repositories lose
// their sessions, modified ones only when the repository path or token
// changed. Routing-only edits leave live sessions alone.
func (w *Worker) onConfigChange(cfg *config.Config, diff config.Diff) error {
	for _, repo := range diff.Removed {
		w.drainRepository(repo, "repository_removed")
	}
	for _, repo := range diff.Modified {
		w.mu.Lock()
		prev, known := w.lastRepos[repo.ID]
		w.mu.Unlock()
		if known && prev.RepositoryPath == repo.RepositoryPath && prev.TokenMaterial == repo.TokenMaterial {
			continue
		}
		w.drainRepository(repo, "repository_changed")
	}

	// Refresh the snapshot and drop tracker clients whose token no longer
	// appears anywhere.
	w.mu.Lock()
	w.lastRepos = make(map[string]config.Repository, len(cfg.Repositories))
	referenced := make(map[string]bool, len(cfg.Repositories)+1)
	referenced[""] = true
	for _, repo := range cfg.Repositories {
		w.lastRepos[repo.ID] = repo
		referenced[repo.TokenMaterial] = true
	}
	for token := range w.trackers {
		if !referenced[token] {
			delete(w.trackers, token)
		}
	}
	w.mu.Unlock()
	return nil
}

// drainRepository ends every live session of a repository: queued work is
// discarded, the user sees a terminal error activity with the reason, the
// runner is stopped, and the session record is freed.
func (w *Worker) drainRepository(repo config.Repository, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, sess := range w.registry.ListByRepository(repo.ID) {
		if sess.Terminal() {
			w.registry.Remove(sess.ID)
			continue
		}

		w.dispatcher.DiscardSessionWork(sess.ID)
		if pump := w.registry.Pump(sess.ID); pump != nil {
			pump.Submit(&sink.Activity{Activity: tracker.Activity{
				Kind: tracker.ActivityError,
				Body: fmt.Sprintf("This session was ended by the worker: %s", reason),
			}})
		}
		if r := w.registry.Runner(sess.ID); r != nil && r.IsRunning() {
			if err := r.Stop(ctx); err != nil {
				w.logger.Warn("runner stop failed during repository drain",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
		if err := w.registry.SetState(ctx, sess.ID, session.StateStopped); err != nil && !errors.Is(err, session.ErrNotFound) {
			w.logger.Warn("failed to mark drained session stopped",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		w.registry.Remove(sess.ID)

		w.logger.Info("session drained after config change",
			zap.String("session_id", sess.ID),
			zap.String("repository_id", repo.ID),
			zap.String("reason", reason))
	}
}
