package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// WorkspaceManager prepares the per-issue directory an agent runs in: a git
// worktree off the repository when worktree mode is on, a plain directory
// otherwise.
type WorkspaceManager struct {
	cfg    config.WorkspaceConfig
	logger *logger.Logger

	// one lock per repository; git worktree mutates shared repo state.
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewWorkspaceManager creates a manager and ensures the base directory
// exists when one is configured.
func NewWorkspaceManager(cfg config.WorkspaceConfig, log *logger.Logger) (*WorkspaceManager, error) {
	if cfg.BasePath != "" {
		if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
		}
	}
	return &WorkspaceManager{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "workspace-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (m *WorkspaceManager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Path computes the workspace directory for an issue:
// <repositoryPath>-<issueKey>, relocated under the base path when one is
// configured.
func (m *WorkspaceManager) Path(repositoryPath, issueKey string) string {
	name := filepath.Base(repositoryPath) + "-" + issueKey
	if m.cfg.BasePath != "" {
		return filepath.Join(m.cfg.BasePath, name)
	}
	return repositoryPath + "-" + issueKey
}

// Prepare creates the workspace and returns its path and branch. Existing
// valid workspaces are reused.
func (m *WorkspaceManager) Prepare(ctx context.Context, repositoryPath, baseBranch, issueKey, branchName string) (string, string, error) {
	path := m.Path(repositoryPath, issueKey)
	if baseBranch == "" {
		baseBranch = m.cfg.DefaultBranch
	}
	if branchName == "" {
		branchName = issueKey
	}
	branch := m.cfg.BranchPrefix + branchName

	if !m.cfg.UseWorktrees || !isGitRepo(repositoryPath) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", "", fmt.Errorf("failed to create workspace: %w", err)
		}
		return path, "", nil
	}

	lock := m.getRepoLock(repositoryPath)
	lock.Lock()
	defer lock.Unlock()

	if isWorktree(path) {
		m.logger.Info("reusing existing workspace", zap.String("path", path))
		return path, branch, nil
	}

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseBranch)
	cmd.Dir = repositoryPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			// Branch exists from a prior session; attach without -b.
			cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
			cmd.Dir = repositoryPath
			output, err = cmd.CombinedOutput()
		}
		if err != nil {
			m.logger.Error("git worktree add failed",
				zap.String("output", string(output)), zap.Error(err))
			return "", "", fmt.Errorf("git worktree add failed: %s", strings.TrimSpace(string(output)))
		}
	}

	m.logger.Info("created workspace",
		zap.String("path", path), zap.String("branch", branch))
	return path, branch, nil
}

// Cleanup removes the workspace directory. Worktrees are detached through
// git so the repository's metadata stays consistent.
func (m *WorkspaceManager) Cleanup(ctx context.Context, repositoryPath, workspacePath string) error {
	if workspacePath == "" {
		return nil
	}

	if m.cfg.UseWorktrees && isGitRepo(repositoryPath) {
		lock := m.getRepoLock(repositoryPath)
		lock.Lock()
		defer lock.Unlock()

		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", workspacePath)
		cmd.Dir = repositoryPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Debug("git worktree remove failed, falling back to rm",
				zap.String("output", string(output)))
			if err := os.RemoveAll(workspacePath); err != nil {
				return fmt.Errorf("failed to remove workspace: %w", err)
			}
			prune := exec.CommandContext(ctx, "git", "worktree", "prune")
			prune.Dir = repositoryPath
			_, _ = prune.CombinedOutput()
		}
		return nil
	}

	if err := os.RemoveAll(workspacePath); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// isWorktree reports whether path is an attached worktree (its .git is a
// file pointing back at the parent repository).
func isWorktree(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
