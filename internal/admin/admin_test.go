package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/store"
)

func testAdminLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type adminFixture struct {
	engine   *gin.Engine
	manager  *config.Manager
	registry *session.Registry
	bus      bus.EventBus
	env      *EnvStore
	home     string
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testAdminLogger(t)
	home := t.TempDir()

	seed := `{"repositories":[{"id":"repo-web","name":"webapp","repositoryPath":"/srv/webapp","issueTrackerWorkspaceId":"ws-1","tokenMaterial":"lin_api_secret1234"}]}`
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
	registry := session.NewRegistry(st, eventBus, log)

	env := NewEnvStore(home)
	api := New(commoncfg.AdminConfig{Token: "admin-secret"}, manager, registry, eventBus, env, log)

	engine := gin.New()
	api.Register(engine)
	return &adminFixture{engine: engine, manager: manager, registry: registry, bus: eventBus, env: env, home: home}
}

func authedRequest(method, path string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer admin-secret")
	return req
}

func TestAdminRequiresBearerToken(t *testing.T) {
	f := newAdminFixture(t)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/config", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminConfigIsMasked(t *testing.T) {
	f := newAdminFixture(t)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.NotContains(t, body, "lin_api_secret1234")
	assert.Contains(t, body, "1234") // last four stay visible
}

func TestAdminRepositoryMutations(t *testing.T) {
	f := newAdminFixture(t)

	added := []byte(`{
		"id": "repo-api", "name": "api", "repositoryPath": "/srv/api",
		"issueTrackerWorkspaceId": "ws-1", "tokenMaterial": "tok-2"
	}`)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/repositories", added))
	require.Equal(t, http.StatusCreated, w.Code)

	active := f.manager.Get()
	_, exists := active.FindRepository("repo-api")
	assert.True(t, exists)

	// Duplicate id is a conflict.
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/repositories", added))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodDelete, "/admin/repositories/repo-api", nil))
	require.Equal(t, http.StatusOK, w.Code)

	active = f.manager.Get()
	_, exists = active.FindRepository("repo-api")
	assert.False(t, exists)
}

func TestAdminListSessions(t *testing.T) {
	f := newAdminFixture(t)
	_, err := f.registry.Create(context.Background(), &session.Session{
		IssueID: "issue-1", IssueKey: "CY-1", RepositoryID: "repo-web", RunnerKind: "claude",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "CY-1", body.Sessions[0].IssueKey)
}

func TestAdminSetEnvAndGitHubToken(t *testing.T) {
	f := newAdminFixture(t)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/env",
		[]byte(`{"SLACK_BOT_TOKEN":"xoxb-123"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/github-token",
		[]byte(`{"token":"ghp_abc"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	vars, err := f.env.Load()
	require.NoError(t, err)
	assert.Equal(t, "xoxb-123", vars["SLACK_BOT_TOKEN"])
	assert.Equal(t, "ghp_abc", vars["GITHUB_TOKEN"])
}

func TestAdminSetEnvRejectsEmpty(t *testing.T) {
	f := newAdminFixture(t)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/env", []byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnvStoreRoundTrip(t *testing.T) {
	env := NewEnvStore(t.TempDir())

	require.NoError(t, env.Set(map[string]string{"B_KEY": "two", "A_KEY": "one"}))
	require.NoError(t, env.Set(map[string]string{"A_KEY": "updated"}))

	vars, err := env.Load()
	require.NoError(t, err)
	assert.Equal(t, "updated", vars["A_KEY"])
	assert.Equal(t, "two", vars["B_KEY"])

	// Keys come out sorted so the file is diff-stable.
	data, err := os.ReadFile(env.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "A_KEY="))
}

func TestSessionStreamDeliversEvents(t *testing.T) {
	f := newAdminFixture(t)

	srv := httptest.NewServer(f.engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/sessions/stream"
	header := http.Header{"Authorization": []string{"Bearer admin-secret"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the handler time to install its subscriptions.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, f.bus.Publish(context.Background(), events.SessionCreated,
		bus.NewEvent(events.SessionCreated, "test", map[string]interface{}{"session_id": "sess-1"})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event bus.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, events.SessionCreated, event.Type)
	assert.Equal(t, "sess-1", event.Data["session_id"])
}
