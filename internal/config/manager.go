package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
)

const (
	// watchDebounce is how long file activity must settle before a reload.
	watchDebounce = 500 * time.Millisecond

	defaultKeepBackups = 10
)

// ChangeHandler is invoked synchronously after a new config is published.
// A non-nil error tells the caller the change could not be applied; the
// caller then decides whether to Rollback.
type ChangeHandler func(cfg *Config, diff Diff) error

// Manager owns the configuration document: the authoritative in-memory copy,
// on-disk persistence, and change propagation. It is single-writer; all
// mutations are serialized through its mutex.
type Manager struct {
	path        string
	backupsDir  string
	keepBackups int

	mu       sync.Mutex
	active   *Config
	previous *Config
	version  int

	// ignoreNextWatch suppresses the watch event produced by our own save.
	ignoreNextWatch bool

	handlers []ChangeHandler

	watcher  *fsnotify.Watcher
	watchCtx context.CancelFunc
	wg       sync.WaitGroup

	bus    bus.EventBus
	logger *logger.Logger
}

// NewManager creates a manager for the document at path. The document is not
// read until Load is called.
func NewManager(path string, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		path:        path,
		backupsDir:  filepath.Join(filepath.Dir(path), "backups"),
		keepBackups: defaultKeepBackups,
		active:      &Config{},
		bus:         eventBus,
		logger:      log,
	}
}

// OnChange registers a handler invoked after every publication. Handlers run
// sequentially in registration order.
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Load reads the document from disk. A missing file yields an empty config;
// the file is created on the first save.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.readFile()
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Info("no config file found, starting empty",
				zap.String("path", m.path))
			m.active = &Config{}
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.active = cfg
	m.logger.Info("config loaded",
		zap.String("path", m.path),
		zap.Int("repositories", len(cfg.Repositories)))
	return nil
}

// Get returns a deep copy of the active config.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone, err := m.active.Clone()
	if err != nil {
		// A config that made it past Validate always round-trips.
		m.logger.Error("failed to clone active config", zap.Error(err))
		return Config{}
	}
	return *clone
}

// Update merges the given top-level keys into the document, validates,
// persists atomically, and publishes the change.
func (m *Manager) Update(ctx context.Context, partial map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := json.Marshal(m.active)
	if err != nil {
		return fmt.Errorf("failed to encode active config: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(current, &doc); err != nil {
		return fmt.Errorf("failed to decode active config: %w", err)
	}
	for k, v := range partial {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("merged config is not valid: %w", err)
	}

	return m.applyLocked(ctx, &next)
}

// AddRepository appends a repository. The id must be unused.
func (m *Manager) AddRepository(ctx context.Context, repo Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active.FindRepository(repo.ID); exists {
		return fmt.Errorf("repository %q already exists", repo.ID)
	}

	next, err := m.active.Clone()
	if err != nil {
		return err
	}
	next.Repositories = append(next.Repositories, repo)
	return m.applyLocked(ctx, next)
}

// RemoveRepository deletes a repository by id.
func (m *Manager) RemoveRepository(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.active.Clone()
	if err != nil {
		return err
	}

	found := false
	repos := next.Repositories[:0]
	for _, repo := range next.Repositories {
		if repo.ID == id {
			found = true
			continue
		}
		repos = append(repos, repo)
	}
	if !found {
		return fmt.Errorf("repository %q not found", id)
	}
	next.Repositories = repos
	return m.applyLocked(ctx, next)
}

// UpdateRepository replaces a repository in place, matched by id.
func (m *Manager) UpdateRepository(ctx context.Context, repo Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.active.Clone()
	if err != nil {
		return err
	}

	found := false
	for i := range next.Repositories {
		if next.Repositories[i].ID == repo.ID {
			next.Repositories[i] = repo
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("repository %q not found", repo.ID)
	}
	return m.applyLocked(ctx, next)
}

// Reload forces a reread from disk and publishes the result.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked(ctx)
}

func (m *Manager) reloadLocked(ctx context.Context) error {
	cfg, err := m.readFile()
	if err != nil {
		m.emitError(ctx, err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		m.emitError(ctx, err)
		return err
	}

	diff := ComputeDiff(m.active, cfg)
	if diff.Empty() {
		m.logger.Debug("config reload produced no changes")
		return nil
	}

	m.previous = m.active
	m.active = cfg
	return m.publishLocked(ctx, diff)
}

// Rollback restores the previous config in memory and on disk. Used by
// callers whose change handler failed to apply a publication.
func (m *Manager) Rollback(ctx context.Context, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous == nil {
		return fmt.Errorf("no previous config to roll back to")
	}

	restored := m.previous
	m.active = restored
	m.previous = nil

	if err := m.saveLocked(); err != nil {
		return fmt.Errorf("failed to persist rolled-back config: %w", err)
	}

	m.logger.Warn("config rolled back", zap.Error(cause))
	if m.bus != nil {
		event := bus.NewEvent(events.ConfigRollback, "config-manager", map[string]interface{}{
			"error":        cause.Error(),
			"repositories": len(restored.Repositories),
		})
		if err := m.bus.Publish(ctx, events.ConfigRollback, event); err != nil {
			m.logger.Warn("failed to publish rollback event", zap.Error(err))
		}
	}
	return nil
}

// applyLocked validates, persists, and publishes a candidate config.
// Callers hold m.mu.
func (m *Manager) applyLocked(ctx context.Context, next *Config) error {
	if err := next.Validate(); err != nil {
		m.emitError(ctx, err)
		return err
	}

	diff := ComputeDiff(m.active, next)

	m.previous = m.active
	m.active = next

	if err := m.saveLocked(); err != nil {
		// Persistence failure leaves memory updated; the caller decides.
		return err
	}
	return m.publishLocked(ctx, diff)
}

// publishLocked runs change handlers and emits the reloaded event. The first
// handler error is returned so the caller can Rollback.
func (m *Manager) publishLocked(ctx context.Context, diff Diff) error {
	cfg := m.active

	for _, handler := range m.handlers {
		if err := handler(cfg, diff); err != nil {
			return fmt.Errorf("config change handler failed: %w", err)
		}
	}

	m.logger.Info("config published",
		zap.Strings("added", diff.AddedIDs()),
		zap.Strings("removed", diff.RemovedIDs()),
		zap.Strings("modified", diff.ModifiedIDs()),
		zap.Bool("other_changes", diff.OtherChanges))

	if m.bus != nil {
		event := bus.NewEvent(events.ConfigReloaded, "config-manager", map[string]interface{}{
			"added":        diff.AddedIDs(),
			"removed":      diff.RemovedIDs(),
			"modified":     diff.ModifiedIDs(),
			"otherChanges": diff.OtherChanges,
		})
		if err := m.bus.Publish(ctx, events.ConfigReloaded, event); err != nil {
			m.logger.Warn("failed to publish config event", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) emitError(ctx context.Context, cause error) {
	m.logger.Error("config error", zap.Error(cause))
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(events.ConfigError, "config-manager", map[string]interface{}{
		"error": cause.Error(),
	})
	if err := m.bus.Publish(ctx, events.ConfigError, event); err != nil {
		m.logger.Warn("failed to publish config error event", zap.Error(err))
	}
}

// readFile reads and parses the document from disk.
func (m *Manager) readFile() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// saveLocked persists the active config atomically: backup the previous
// file, write a temp file, fsync, rename over the target. Callers hold m.mu.
func (m *Manager) saveLocked() error {
	if err := m.backupLocked(); err != nil {
		m.logger.Warn("failed to back up config", zap.Error(err))
	}

	data, err := json.MarshalIndent(m.active, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	m.ignoreNextWatch = true
	if err := os.Rename(tmpPath, m.path); err != nil {
		m.ignoreNextWatch = false
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.version++
	return nil
}

// backupLocked copies the current on-disk file into the backups directory
// and prunes old backups by mtime.
func (m *Manager) backupLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(m.backupsDir, 0o755); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("config-v%d-%s.json", m.version, stamp)
	if err := os.WriteFile(filepath.Join(m.backupsDir, name), data, 0o600); err != nil {
		return err
	}

	return m.pruneBackups()
}

func (m *Manager) pruneBackups() error {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		return err
	}

	type backup struct {
		path  string
		mtime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:  filepath.Join(m.backupsDir, entry.Name()),
			mtime: info.ModTime(),
		})
	}

	if len(backups) <= m.keepBackups {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mtime.After(backups[j].mtime)
	})
	for _, old := range backups[m.keepBackups:] {
		if err := os.Remove(old.path); err != nil {
			m.logger.Warn("failed to prune backup",
				zap.String("path", old.path), zap.Error(err))
		}
	}
	return nil
}

// StartWatching installs a debounced file watcher. Changes that settle for
// watchDebounce are reread, validated, diffed, and published.
func (m *Manager) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors and our own atomic save replace the
	// file by rename, which drops a watch on the file itself.
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.watchCtx = cancel

	m.wg.Add(1)
	go m.watchLoop(watchCtx)

	m.logger.Info("config watcher started", zap.String("path", m.path))
	return nil
}

// StopWatching stops the watcher and waits for the loop to exit.
func (m *Manager) StopWatching() {
	if m.watchCtx != nil {
		m.watchCtx()
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

// watchLoop debounces file events: activity must settle for watchDebounce
// before the document is reread.
func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	var debounceTimer *time.Timer
	var pending bool

	timerC := func() <-chan time.Time {
		if debounceTimer != nil {
			return debounceTimer.C
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			if debounceTimer == nil {
				debounceTimer = time.NewTimer(watchDebounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(watchDebounce)
			}
			pending = true

		case <-timerC():
			debounceTimer = nil
			if !pending {
				continue
			}
			pending = false
			m.handleWatchEvent(ctx)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(ctx context.Context) {
	m.mu.Lock()
	if m.ignoreNextWatch {
		m.ignoreNextWatch = false
		m.mu.Unlock()
		m.logger.Debug("ignoring watch event from own save")
		return
	}

	err := m.reloadLocked(ctx)
	m.mu.Unlock()

	if err != nil {
		// The previous config stays active; the error event has been
		// emitted by reloadLocked.
		m.logger.Warn("external config change rejected", zap.Error(err))
	}
}
