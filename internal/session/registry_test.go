package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/store"
)

func testSessionLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "cyrus.db")})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRegistry(st, bus.NewMemoryEventBus(testSessionLogger(t)), testSessionLogger(t)), st
}

func testSession(issueKey string) *Session {
	return &Session{
		IssueID:      "issue-" + issueKey,
		IssueKey:     issueKey,
		RepositoryID: "repo-a",
		RunnerKind:   "claude",
	}
}

func TestRegistryCreatePersistsAndIndexes(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, testSession("CY-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatePending, created.State)

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "CY-1", got.IssueKey)

	record, err := st.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, record.State)

	found, ok := r.Lookup("repo-a", "issue-CY-1", "")
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)
}

func TestRegistryRejectsDuplicateThread(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, testSession("CY-2"))
	require.NoError(t, err)

	_, err = r.Create(ctx, testSession("CY-2"))
	assert.Error(t, err)
}

func TestRegistryStateTransitionsPublish(t *testing.T) {
	log := testSessionLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	r := NewRegistry(nil, memBus, log)
	ctx := context.Background()

	published := make(chan string, 8)
	_, err := memBus.Subscribe("session.*", func(_ context.Context, event *bus.Event) error {
		published <- event.Type
		return nil
	})
	require.NoError(t, err)

	created, err := r.Create(ctx, testSession("CY-3"))
	require.NoError(t, err)
	require.NoError(t, r.SetState(ctx, created.ID, StateActive))
	require.NoError(t, r.SetState(ctx, created.ID, StateCompleted))

	var seen []string
	for i := 0; i < 3; i++ {
		select {
		case subject := <-published:
			seen = append(seen, subject)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for session events, saw %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{
		events.SessionCreated, events.SessionActive, events.SessionCompleted,
	}, seen)
}

func TestRegistryGetUnknownSession(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, r.SetState(context.Background(), "missing", StateActive))
}

func TestRegistryCountActiveIgnoresTerminal(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	first, err := r.Create(ctx, testSession("CY-4"))
	require.NoError(t, err)
	_, err = r.Create(ctx, testSession("CY-5"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.CountActive("repo-a"))

	require.NoError(t, r.SetState(ctx, first.ID, StateStopped))
	assert.Equal(t, 1, r.CountActive("repo-a"))
}

func TestRegistryRemoveFreesThreadIndex(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, testSession("CY-6"))
	require.NoError(t, err)
	r.Remove(created.ID)

	_, err = r.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The thread is free for a fresh session.
	_, err = r.Create(ctx, testSession("CY-6"))
	assert.NoError(t, err)
}

func TestRegistryProviderSessionID(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()

	created, err := r.Create(ctx, testSession("CY-7"))
	require.NoError(t, err)
	require.NoError(t, r.SetProviderSessionID(ctx, created.ID, "prov-123"))

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "prov-123", got.ProviderSessionID)

	record, err := st.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "prov-123", record.ProviderID.String)
}

func TestSessionTerminal(t *testing.T) {
	for state, terminal := range map[string]bool{
		StatePending:       false,
		StateActive:        false,
		StateAwaitingInput: false,
		StateCompleted:     true,
		StateFailed:        true,
		StateStopped:       true,
	} {
		s := &Session{State: state}
		assert.Equal(t, terminal, s.Terminal(), state)
	}
}
