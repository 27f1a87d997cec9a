package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRecord is the persisted view of a session. The live in-memory
// session carries runner handles and buffers; only the durable fields land
// here.
type SessionRecord struct {
	ID             string         `db:"id"`
	ProviderID     sql.NullString `db:"provider_id"`
	IssueID        string         `db:"issue_id"`
	IssueKey       string         `db:"issue_key"`
	RepositoryID   string         `db:"repository_id"`
	WorkspacePath  string         `db:"workspace_path"`
	RunnerKind     string         `db:"runner_kind"`
	State          string         `db:"state"`
	CreatedAt      time.Time      `db:"created_at"`
	LastActivityAt time.Time      `db:"last_activity_at"`
}

// ActivityRecord is one audit-log entry for a delivered activity.
type ActivityRecord struct {
	SessionID string    `db:"session_id"`
	OrderSeq  int64     `db:"order_seq"`
	Kind      string    `db:"kind"`
	Body      string    `db:"body"`
	Ephemeral bool      `db:"ephemeral"`
	CreatedAt time.Time `db:"created_at"`
}

// Store wraps the database with the queries the edge worker needs. Queries
// use ? placeholders and are rebound for the active driver, so the same
// Store serves SQLite and PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// New initializes the schema and returns a Store.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		provider_id TEXT,
		issue_id TEXT NOT NULL,
		issue_key TEXT NOT NULL,
		repository_id TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		runner_kind TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		transport_kind TEXT NOT NULL,
		envelope_id TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		PRIMARY KEY (transport_kind, envelope_id)
	);

	CREATE TABLE IF NOT EXISTS activities (
		session_id TEXT NOT NULL,
		order_seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		ephemeral INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, order_seq)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_repository ON sessions(repository_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_issue ON sessions(issue_id);
	CREATE INDEX IF NOT EXISTS idx_envelopes_received ON envelopes(received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	query := s.db.Rebind(`
		INSERT INTO sessions (id, provider_id, issue_id, issue_key, repository_id,
			workspace_path, runner_kind, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			provider_id = excluded.provider_id,
			state = excluded.state,
			last_activity_at = excluded.last_activity_at
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ProviderID, rec.IssueID, rec.IssueKey, rec.RepositoryID,
		rec.WorkspacePath, rec.RunnerKind, rec.State, rec.CreatedAt, rec.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// UpdateSessionState moves a session to a new state and bumps its activity
// timestamp.
func (s *Store) UpdateSessionState(ctx context.Context, id, state string) error {
	query := s.db.Rebind(`UPDATE sessions SET state = ?, last_activity_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionProviderID records the provider's opaque session token once the
// first agent message reveals it.
func (s *Store) SetSessionProviderID(ctx context.Context, id, providerID string) error {
	query := s.db.Rebind(`UPDATE sessions SET provider_id = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, providerID, id)
	if err != nil {
		return fmt.Errorf("failed to set provider session id: %w", err)
	}
	return nil
}

// GetSession fetches one session record.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	query := s.db.Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &rec, nil
}

// ListSessionsByRepository returns all sessions for a repository, newest
// first.
func (s *Store) ListSessionsByRepository(ctx context.Context, repositoryID string) ([]*SessionRecord, error) {
	var recs []*SessionRecord
	query := s.db.Rebind(`
		SELECT * FROM sessions WHERE repository_id = ? ORDER BY created_at DESC
	`)
	if err := s.db.SelectContext(ctx, &recs, query, repositoryID); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return recs, nil
}

// ListActiveSessions returns sessions in non-terminal states.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	var recs []*SessionRecord
	query := `
		SELECT * FROM sessions
		WHERE state IN ('pending', 'active', 'awaitingInput')
		ORDER BY created_at ASC
	`
	if err := s.db.SelectContext(ctx, &recs, query); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return recs, nil
}

// DeleteSession removes a session and its activity log.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM activities WHERE session_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete session activities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

// RecordEnvelope journals an inbound envelope. Returns true when the
// envelope is new, false when it was already seen (a duplicate delivery).
func (s *Store) RecordEnvelope(ctx context.Context, transportKind, envelopeID string) (bool, error) {
	query := s.db.Rebind(`
		INSERT INTO envelopes (transport_kind, envelope_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (transport_kind, envelope_id) DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, query, transportKind, envelopeID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record envelope: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// PruneEnvelopes drops journal entries older than the cutoff. Called
// periodically so the dedup journal tracks the router's sliding window.
func (s *Store) PruneEnvelopes(ctx context.Context, before time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM envelopes WHERE received_at < ?`)
	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune envelopes: %w", err)
	}
	return result.RowsAffected()
}

// AppendActivity records a delivered activity in the audit log.
func (s *Store) AppendActivity(ctx context.Context, rec *ActivityRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO activities (session_id, order_seq, kind, body, ephemeral, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.OrderSeq, rec.Kind, rec.Body, boolToInt(rec.Ephemeral), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// ListActivities returns a session's activity log in delivery order.
func (s *Store) ListActivities(ctx context.Context, sessionID string) ([]*ActivityRecord, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT session_id, order_seq, kind, body, ephemeral, created_at
		FROM activities WHERE session_id = ? ORDER BY order_seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var recs []*ActivityRecord
	for rows.Next() {
		rec := &ActivityRecord{}
		var ephemeralInt int
		if err := rows.Scan(&rec.SessionID, &rec.OrderSeq, &rec.Kind, &rec.Body,
			&ephemeralInt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Ephemeral = ephemeralInt == 1
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
