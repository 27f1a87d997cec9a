package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewManager(path, nil, log), path
}

func writeConfigFile(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestManagerLoadMissingFile(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.Load())
	assert.Empty(t, m.Get().Repositories)
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	m, path := testManager(t)
	writeConfigFile(t, path, Config{Repositories: []Repository{{ID: "bad"}}})
	assert.Error(t, m.Load())
}

func TestManagerAddUpdateRemoveRepository(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	require.NoError(t, m.Load())

	repo := testRepo("repo-a")
	require.NoError(t, m.AddRepository(ctx, repo))
	assert.Error(t, m.AddRepository(ctx, repo), "duplicate id must be rejected")

	repo.BaseBranch = "develop"
	require.NoError(t, m.UpdateRepository(ctx, repo))
	got, ok := m.Get().FindRepository("repo-a")
	require.True(t, ok)
	assert.Equal(t, "develop", got.BaseBranch)

	require.NoError(t, m.RemoveRepository(ctx, "repo-a"))
	assert.Error(t, m.RemoveRepository(ctx, "repo-a"))

	// The document on disk tracks every mutation.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Empty(t, onDisk.Repositories)
}

func TestManagerUpdateMergesUnknownKeys(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))

	require.NoError(t, m.Update(ctx, map[string]json.RawMessage{
		"dashboardTheme": json.RawMessage(`"dark"`),
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `"dark"`, string(doc["dashboardTheme"]))

	// Known keys survive the merge.
	cfg := m.Get()
	_, ok := cfg.FindRepository("repo-a")
	assert.True(t, ok)
}

func TestManagerPublishesDiffToHandlers(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	require.NoError(t, m.Load())

	var gotDiff Diff
	m.OnChange(func(cfg *Config, diff Diff) error {
		gotDiff = diff
		return nil
	})

	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))
	assert.Equal(t, []string{"repo-a"}, gotDiff.AddedIDs())
}

func TestManagerHandlerFailureAndRollback(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))

	applyErr := errors.New("listener could not apply")
	failNext := false
	m.OnChange(func(cfg *Config, diff Diff) error {
		if failNext {
			return applyErr
		}
		return nil
	})

	failNext = true
	err := m.AddRepository(ctx, testRepo("repo-b"))
	require.ErrorIs(t, err, applyErr)

	// The failed publication left repo-b active; rollback restores repo-a
	// alone, in memory and on disk.
	require.NoError(t, m.Rollback(ctx, applyErr))

	cfg := m.Get()
	_, hasA := cfg.FindRepository("repo-a")
	_, hasB := cfg.FindRepository("repo-b")
	assert.True(t, hasA)
	assert.False(t, hasB)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk.Repositories, 1)
	assert.Equal(t, "repo-a", onDisk.Repositories[0].ID)
}

func TestManagerReloadRejectsInvalidAndKeepsActive(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))

	require.NoError(t, os.WriteFile(path, []byte(`{"repositories": [{"id": ""}]}`), 0o600))
	assert.Error(t, m.Reload(ctx))

	_, ok := m.Get().FindRepository("repo-a")
	assert.True(t, ok, "active config survives a bad reload")
}

func TestManagerBackupsArePrunedByMtime(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	m.keepBackups = 3
	require.NoError(t, m.Load())

	for i := 0; i < 6; i++ {
		repo := testRepo("repo-a")
		repo.BaseBranch = string(rune('a' + i))
		if i == 0 {
			require.NoError(t, m.AddRepository(ctx, repo))
		} else {
			require.NoError(t, m.UpdateRepository(ctx, repo))
		}
	}

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), "backups"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)
}

func TestManagerBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, path := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-b")))

	// The newest backup holds the single-repo document. Loading it into a
	// fresh manager and persisting produces a byte-identical file.
	backupsDir := filepath.Join(filepath.Dir(path), "backups")
	entries, err := os.ReadDir(backupsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	newest := entries[len(entries)-1]
	backupData, err := os.ReadFile(filepath.Join(backupsDir, newest.Name()))
	require.NoError(t, err)

	dir2 := t.TempDir()
	path2 := filepath.Join(dir2, "config.json")
	require.NoError(t, os.WriteFile(path2, backupData, 0o600))

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	m2 := NewManager(path2, nil, log)
	require.NoError(t, m2.Load())
	require.NoError(t, m2.Update(ctx, nil))

	rewritten, err := os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, string(backupData), string(rewritten))
}

func TestManagerWatchReloadsExternalEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, path := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))

	published := make(chan Diff, 1)
	m.OnChange(func(cfg *Config, diff Diff) error {
		select {
		case published <- diff:
		default:
		}
		return nil
	})

	require.NoError(t, m.StartWatching(ctx))
	defer m.StopWatching()

	writeConfigFile(t, path, Config{
		Repositories: []Repository{testRepo("repo-a"), testRepo("repo-b")},
	})

	select {
	case diff := <-published:
		assert.Equal(t, []string{"repo-b"}, diff.AddedIDs())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch reload")
	}
}

func TestManagerWatchIgnoresOwnSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, _ := testManager(t)
	require.NoError(t, m.Load())
	require.NoError(t, m.StartWatching(ctx))
	defer m.StopWatching()

	var publications int
	m.OnChange(func(cfg *Config, diff Diff) error {
		publications++
		return nil
	})

	require.NoError(t, m.AddRepository(ctx, testRepo("repo-a")))

	// Give the debounce window time to fire if the self-save were not
	// suppressed; a second publication would mean the watcher re-applied
	// our own write.
	time.Sleep(watchDebounce * 3)
	assert.Equal(t, 1, publications)
}
