package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/store"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = fmt.Errorf("session not found")

// entry is the arena slot for one session. The runner and pump are reachable
// only through the registry by session id; nothing else holds them.
type entry struct {
	session *Session
	runner  runner.AgentRunner
	pump    *sink.Pump
}

// Registry is the session arena. Writes are serialised per registry; reads
// hand out copies.
type Registry struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	// byThread indexes live sessions by (repositoryID, issueID, threadID).
	byThread map[threadKey]string
}

type threadKey struct {
	repositoryID string
	issueID      string
	threadID     string
}

// NewRegistry creates an empty arena. The store may be nil in tests.
func NewRegistry(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		store:    st,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-registry")),
		entries:  make(map[string]*entry),
		byThread: make(map[threadKey]string),
	}
}

// Create allocates a session in state pending and persists it.
func (r *Registry) Create(ctx context.Context, s *Session) (*Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.State = StatePending
	s.CreatedAt = now
	s.LastActivityAt = now

	r.mu.Lock()
	key := r.keyOf(s)
	if existingID, ok := r.byThread[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already tracks this thread", existingID)
	}
	copied := *s
	r.entries[s.ID] = &entry{session: &copied}
	r.byThread[key] = s.ID
	r.mu.Unlock()

	if err := r.persist(ctx, &copied); err != nil {
		r.mu.Lock()
		delete(r.entries, s.ID)
		delete(r.byThread, key)
		r.mu.Unlock()
		return nil, err
	}

	r.publish(ctx, events.SessionCreated, &copied)
	out := copied
	return &out, nil
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *e.session
	return &copied, nil
}

// Lookup finds the live session tracking an issue thread, if any.
func (r *Registry) Lookup(repositoryID, issueID, threadID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byThread[threadKey{repositoryID, issueID, threadID}]
	if !ok {
		return nil, false
	}
	e := r.entries[id]
	copied := *e.session
	return &copied, true
}

// AttachRunner binds the session's runner handle. Exactly one runner per
// live session.
func (r *Registry) AttachRunner(id string, h runner.AgentRunner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.runner != nil && e.runner.IsRunning() {
		return fmt.Errorf("session %s already has a live runner", id)
	}
	e.runner = h
	return nil
}

// Runner returns the session's runner handle, or nil.
func (r *Registry) Runner(id string) runner.AgentRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.runner
	}
	return nil
}

// AttachPump binds the session's activity pump.
func (r *Registry) AttachPump(id string, p *sink.Pump) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.pump = p
	return nil
}

// Pump returns the session's activity pump, or nil.
func (r *Registry) Pump(id string) *sink.Pump {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.pump
	}
	return nil
}

// SetState transitions the session, persists, and publishes the lifecycle
// event for terminal and active transitions.
func (r *Registry) SetState(ctx context.Context, id, state string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.session.State = state
	e.session.LastActivityAt = time.Now().UTC()
	copied := *e.session
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateSessionState(ctx, id, state); err != nil {
			return err
		}
	}

	switch state {
	case StateActive:
		r.publish(ctx, events.SessionActive, &copied)
	case StateCompleted:
		r.publish(ctx, events.SessionCompleted, &copied)
	case StateFailed:
		r.publish(ctx, events.SessionFailed, &copied)
	case StateStopped:
		r.publish(ctx, events.SessionStopped, &copied)
	}
	return nil
}

// SetProviderSessionID records the provider's resume token.
func (r *Registry) SetProviderSessionID(ctx context.Context, id, providerID string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.session.ProviderSessionID = providerID
	r.mu.Unlock()

	if r.store != nil {
		return r.store.SetSessionProviderID(ctx, id, providerID)
	}
	return nil
}

// Touch bumps activity time and the message counter.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.session.LastActivityAt = time.Now().UTC()
		e.session.MessageCount++
	}
}

// ListByRepository returns copies of all sessions for a repository.
func (r *Registry) ListByRepository(repositoryID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, e := range r.entries {
		if e.session.RepositoryID == repositoryID {
			copied := *e.session
			out = append(out, &copied)
		}
	}
	return out
}

// ListLive returns copies of all non-terminal sessions.
func (r *Registry) ListLive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, e := range r.entries {
		if e.session.Live() {
			copied := *e.session
			out = append(out, &copied)
		}
	}
	return out
}

// CountActive counts non-terminal sessions for a repository.
func (r *Registry) CountActive(repositoryID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.entries {
		if e.session.RepositoryID == repositoryID && e.session.Live() {
			count++
		}
	}
	return count
}

// Remove frees the arena slot. The session record stays in the store for
// audit; only the in-memory entry and thread index go away.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.byThread, r.keyOf(e.session))
	delete(r.entries, id)
}

func (r *Registry) keyOf(s *Session) threadKey {
	return threadKey{s.RepositoryID, s.IssueID, s.ThreadID}
}

func (r *Registry) persist(ctx context.Context, s *Session) error {
	if r.store == nil {
		return nil
	}
	record := &store.SessionRecord{
		ID:             s.ID,
		IssueID:        s.IssueID,
		IssueKey:       s.IssueKey,
		RepositoryID:   s.RepositoryID,
		WorkspacePath:  s.WorkspacePath,
		RunnerKind:     s.RunnerKind,
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
	if s.ProviderSessionID != "" {
		record.ProviderID = sql.NullString{String: s.ProviderSessionID, Valid: true}
	}
	return r.store.SaveSession(ctx, record)
}

func (r *Registry) publish(ctx context.Context, subject string, s *Session) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "session-registry", map[string]interface{}{
		"sessionId":    s.ID,
		"issueId":      s.IssueID,
		"repositoryId": s.RepositoryID,
		"state":        s.State,
	})
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		r.logger.Warn("failed to publish session event",
			zap.String("subject", subject), zap.Error(err))
	}
}
