package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// graphqlStub answers queries by matching a substring of the query text.
func graphqlStub(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		for needle, response := range responses {
			if strings.Contains(req.Query, needle) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(response))
				return
			}
		}
		t.Errorf("unexpected graphql query: %s", req.Query)
		w.WriteHeader(http.StatusBadRequest)
	}))
}

func newTestClient(t *testing.T, server *httptest.Server) *LinearClient {
	t.Helper()
	client := NewLinearClient("test-token", testLogger(t))
	client.SetEndpoint(server.URL)
	return client
}

func TestGetIssue(t *testing.T) {
	server := graphqlStub(t, map[string]string{
		"issue(id:": `{"data": {"issue": {
			"id": "issue-1",
			"identifier": "CY-42",
			"title": "Fix the widget",
			"description": "It is broken",
			"url": "https://linear.app/acme/issue/CY-42",
			"branchName": "cy-42-fix-the-widget",
			"team": {"key": "CY"},
			"state": {"name": "In Progress"},
			"assignee": {"id": "user-7"},
			"labels": {"nodes": [{"name": "Bug"}, {"name": "urgent"}]}
		}}}`,
	})
	defer server.Close()

	issue, err := newTestClient(t, server).GetIssue(context.Background(), "issue-1")
	require.NoError(t, err)
	assert.Equal(t, "CY-42", issue.Identifier)
	assert.Equal(t, "CY", issue.TeamKey)
	assert.Equal(t, []string{"Bug", "urgent"}, issue.Labels)
	assert.Equal(t, "user-7", issue.AssigneeID)
}

func TestCreateComment(t *testing.T) {
	server := graphqlStub(t, map[string]string{
		"commentCreate": `{"data": {"commentCreate": {"success": true, "comment": {"id": "comment-9"}}}}`,
	})
	defer server.Close()

	id, err := newTestClient(t, server).CreateComment(context.Background(), "issue-1", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "comment-9", id)
}

func TestQuerySurfacesGraphQLErrors(t *testing.T) {
	server := graphqlStub(t, map[string]string{
		"viewer": `{"errors": [{"message": "authentication required"}]}`,
	})
	defer server.Close()

	_, err := newTestClient(t, server).Viewer(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")
}

func TestQuerySurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).ListTeams(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestViewerIsCached(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"data": {"viewer": {"id": "u-1", "name": "cyrus"}}}`))
	}))
	defer server.Close()

	client := NewLinearClient("test-token", testLogger(t))
	client.SetEndpoint(server.URL)

	for i := 0; i < 3; i++ {
		viewer, err := client.Viewer(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "u-1", viewer.ID)
	}
	assert.Equal(t, 1, calls)
}

func TestRenderActivityBody(t *testing.T) {
	assert.Equal(t, "_thinking_", RenderActivityBody(&Activity{Kind: ActivityThought, Body: "thinking"}))
	assert.Equal(t, "⚠️ boom", RenderActivityBody(&Activity{Kind: ActivityError, Body: "boom"}))
	assert.Equal(t, "❓ which one?", RenderActivityBody(&Activity{Kind: ActivityElicitation, Body: "which one?"}))
	assert.Equal(t, "plain", RenderActivityBody(&Activity{Kind: ActivityResponse, Body: "plain"}))
}
