package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/convo/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow versions ---

// PutWorkflowVersion persists a content-addressed definition version.
// Idempotent: writing an already-registered version is a no-op.
func (s *LibSQLStore) PutWorkflowVersion(ctx context.Context, v *WorkflowVersion) error {
	def, err := json.Marshal(v.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, agent_id, name, definition, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		v.ID, v.AgentID, nullStr(v.Name), string(def), timeOrNow(v.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflowVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, definition, created_at FROM workflow_versions WHERE id = ?`, id)
	return scanWorkflowVersion(row, id)
}

// LatestWorkflowVersion returns the most recently registered version for an
// agent; new sessions bind to it at creation.
func (s *LibSQLStore) LatestWorkflowVersion(ctx context.Context, agentID string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, definition, created_at FROM workflow_versions
		 WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, agentID)
	return scanWorkflowVersion(row, agentID)
}

func (s *LibSQLStore) ListWorkflowVersions(ctx context.Context, agentID string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, definition, created_at FROM workflow_versions
		 WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*WorkflowVersion
	for rows.Next() {
		v := &WorkflowVersion{}
		var name sql.NullString
		var defJSON string
		if err := rows.Scan(&v.ID, &v.AgentID, &name, &defJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Name = name.String
		if err := json.Unmarshal([]byte(defJSON), &v.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sessions ---

// GetOrCreateSession returns the session for (agent, contact), creating it
// at the workflow's initial state when none exists. The bool reports
// whether a new session was created. Existing sessions keep the workflow
// version captured at their creation.
func (s *LibSQLStore) GetOrCreateSession(ctx context.Context, agentID, contactIdentity, versionID, initialState string) (*Session, bool, error) {
	existing, err := s.sessionByContact(ctx, agentID, contactIdentity)
	if err == nil {
		return existing, false, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:                uuid.New().String(),
		AgentID:           agentID,
		WorkflowVersionID: versionID,
		ContactIdentity:   contactIdentity,
		CurrentState:      initialState,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, workflow_version_id, contact_identity, current_state, paused, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(agent_id, contact_identity) DO NOTHING`,
		sess.ID, agentID, versionID, contactIdentity, initialState, now, now,
	)
	if err != nil {
		return nil, false, err
	}

	// Re-read: a concurrent creator may have won the insert.
	final, err := s.sessionByContact(ctx, agentID, contactIdentity)
	if err != nil {
		return nil, false, err
	}
	return final, final.ID == sess.ID, nil
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_version_id, contact_identity, current_state, paused, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

func (s *LibSQLStore) sessionByContact(ctx context.Context, agentID, contactIdentity string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_version_id, contact_identity, current_state, paused, created_at, updated_at
		 FROM sessions WHERE agent_id = ? AND contact_identity = ?`, agentID, contactIdentity)
	return scanSession(row, agentID+"/"+contactIdentity)
}

func (s *LibSQLStore) SetSessionPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET paused = ?, updated_at = ? WHERE id = ?`,
		boolToInt(paused), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT id, agent_id, workflow_version_id, contact_identity, current_state, paused, created_at, updated_at FROM sessions`
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ContactIdentity != "" {
		where = append(where, "contact_identity = ?")
		args = append(args, filter.ContactIdentity)
	}
	if filter.Paused != nil {
		where = append(where, "paused = ?")
		args = append(args, boolToInt(*filter.Paused))
	}
	if filter.CurrentState != "" {
		where = append(where, "current_state = ?")
		args = append(args, filter.CurrentState)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var paused int
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.WorkflowVersionID, &sess.ContactIdentity,
			&sess.CurrentState, &paused, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Paused = paused != 0
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Messages ---

// AppendMessage appends a message with a monotonically increasing
// per-session sequence. The sequence read and insert share one tx; with a
// single connection and WAL this serializes concurrent appenders.
func (s *LibSQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if !schema.KnownSender(msg.Sender) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown sender %q", msg.Sender)
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}
	msg.Sequence = seq

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, content, message_type, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Sender), msg.Content, msg.MessageType, msg.CreatedAt, seq,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// ListMessages returns messages with sequence > sinceSeq, conversation order.
func (s *LibSQLStore) ListMessages(ctx context.Context, sessionID string, sinceSeq int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, content, message_type, created_at, sequence
		 FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		var sender string
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Content, &m.MessageType, &m.CreatedAt, &m.Sequence); err != nil {
			return nil, err
		}
		m.Sender = schema.Sender(sender)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Transitions ---

// ApplyTransition commits a state change: session row update and audit
// entry in a single transaction, so the change is all-or-nothing. The
// update is guarded on from_state; a mismatch means another writer moved
// the session first and surfaces as CONFLICT.
func (s *LibSQLStore) ApplyTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET current_state = ?, updated_at = ? WHERE id = ? AND current_state = ?`,
		rec.ToState, rec.CreatedAt, rec.SessionID, rec.FromState,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the session is unknown or its state moved underneath us.
		if _, getErr := s.getSessionTx(ctx, tx, rec.SessionID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"session %s is no longer in state %q", rec.SessionID, rec.FromState)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transitions WHERE session_id = ?`, rec.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next transition sequence: %w", err)
	}
	rec.Sequence = seq

	ins, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (session_id, from_state, to_state, trigger_label, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.FromState, rec.ToState, rec.TriggerLabel, rec.CreatedAt, seq,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if id, err := ins.LastInsertId(); err == nil {
		rec.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, sessionID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, from_state, to_state, trigger_label, created_at, sequence
		 FROM transitions WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*TransitionRecord
	for rows.Next() {
		r := &TransitionRecord{}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.FromState, &r.ToState, &r.TriggerLabel, &r.CreatedAt, &r.Sequence); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) getSessionTx(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_version_id, contact_identity, current_state, paused, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

// --- Helpers ---

func scanWorkflowVersion(row *sql.Row, ref string) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var name sql.NullString
	var defJSON string
	err := row.Scan(&v.ID, &v.AgentID, &name, &defJSON, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", ref)
	}
	if err != nil {
		return nil, err
	}
	v.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &v.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return v, nil
}

func scanSession(row *sql.Row, ref string) (*Session, error) {
	sess := &Session{}
	var paused int
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.WorkflowVersionID, &sess.ContactIdentity,
		&sess.CurrentState, &paused, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", ref)
	}
	if err != nil {
		return nil, err
	}
	sess.Paused = paused != 0
	return sess, nil
}

func storeNotFound(resource, id string) *schema.ConvoError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
