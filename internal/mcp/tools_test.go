package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/store"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func testMCPLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testDeps(t *testing.T) (Deps, *session.Registry, *tracker.MockService) {
	t.Helper()
	db, err := store.Open(commoncfg.DatabaseConfig{Path: filepath.Join(t.TempDir(), "cyrus.db")})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := testMCPLogger(t)
	registry := session.NewRegistry(st, bus.NewMemoryEventBus(log), log)
	mock := tracker.NewMockService()
	deps := Deps{
		Registry:   registry,
		TrackerFor: func(string) tracker.Service { return mock },
	}
	return deps, registry, mock
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestGetIssueContext(t *testing.T) {
	deps, registry, mock := testDeps(t)
	ctx := context.Background()

	mock.Issues["issue-1"] = &tracker.Issue{
		ID: "issue-1", Identifier: "CY-7", Title: "Login broken",
		Description: "Users cannot sign in.", StateName: "In Progress",
		Labels: []string{"Bug"},
	}
	mock.Comments["issue-1"] = []tracker.Comment{{
		ID: "c1", Body: "Repro attached", Author: "alice",
		CreatedAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	}}

	created, err := registry.Create(ctx, &session.Session{
		IssueID: "issue-1", IssueKey: "CY-7", RepositoryID: "repo-web", RunnerKind: "claude",
	})
	require.NoError(t, err)

	handler := getIssueContextHandler(deps, testMCPLogger(t))
	result, err := handler(ctx, callRequest(map[string]any{"session_id": created.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "# CY-7: Login broken")
	assert.Contains(t, text, "Labels: Bug")
	assert.Contains(t, text, "**alice**")
	assert.Contains(t, text, "Repro attached")
}

func TestGetIssueContextUnknownSession(t *testing.T) {
	deps, _, _ := testDeps(t)

	handler := getIssueContextHandler(deps, testMCPLogger(t))
	result, err := handler(context.Background(), callRequest(map[string]any{"session_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPostProgressValidatesKind(t *testing.T) {
	deps, registry, _ := testDeps(t)
	ctx := context.Background()

	created, err := registry.Create(ctx, &session.Session{
		IssueID: "issue-1", IssueKey: "CY-7", RepositoryID: "repo-web", RunnerKind: "claude",
	})
	require.NoError(t, err)

	handler := postProgressHandler(deps, testMCPLogger(t))

	result, err := handler(ctx, callRequest(map[string]any{
		"session_id": created.ID, "body": "update", "kind": "action",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Without a sink pump attached the session cannot accept progress.
	result, err = handler(ctx, callRequest(map[string]any{
		"session_id": created.ID, "body": "update",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
