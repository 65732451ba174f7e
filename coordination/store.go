// Package coordination is the project-scoped shared state agents mutate
// during execution: registrations, heartbeats, todos, file locks, shared
// interface definitions, message inboxes, and completion notices.
package coordination

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/hexonal/splitmind/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// LivenessTTL is the heartbeat window beyond which an agent registration is
// considered stale (§3 "Agent Registration").
const LivenessTTL = 2 * time.Minute

// Sentinel errors for the operation table in §4.2.
var (
	ErrAlreadyRegistered = errors.New("coordination: session already registered under a different task")
	ErrAlreadyLocked     = errors.New("coordination: file already locked by another session")
	ErrNotLockHolder     = errors.New("coordination: release attempted by non-holder")
	ErrInterfaceConflict = errors.New("coordination: interface already registered by another session")
	ErrUnknownTodo       = errors.New("coordination: unknown todo id")
)

// AgentRecord is a registered agent's live state.
type AgentRecord struct {
	ProjectID     string
	SessionName   string
	TaskID        string
	Branch        string
	Description   string
	Status        string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Alive reports whether the agent's heartbeat is within LivenessTTL of now.
func (a AgentRecord) Alive(now time.Time) bool {
	return now.Sub(a.LastHeartbeat) < LivenessTTL
}

// Todo is one entry in an agent's ordered worklist.
type Todo struct {
	ID          int64
	ProjectID   string
	SessionName string
	Text        string
	Status      string // pending|in_progress|completed|cancelled
	Priority    int
	CreatedAt   time.Time
}

// FileLock is an exclusive claim on a path within a project.
type FileLock struct {
	ProjectID   string
	FilePath    string
	SessionName string
	Operation   string // create|modify|delete
	Description string
	AcquiredAt  time.Time
	TTLSeconds  int
}

func (l FileLock) expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > time.Duration(l.TTLSeconds)*time.Second
}

// Interface is a shared contract definition, immutable except by its author.
type Interface struct {
	ProjectID      string
	Name           string
	Definition     string
	AuthorSession  string
	RegisteredAt   time.Time
}

// Message is one entry in a recipient's FIFO inbox.
type Message struct {
	ID              int64
	ProjectID       string
	RecipientSession string
	SenderSession   string
	Type            string // query|broadcast|status|...
	Body            string
	CreatedAt       time.Time
	CorrelationID   string
}

// CompletionNotice is an agent's authoritative self-report of task completion.
type CompletionNotice struct {
	ProjectID   string
	TaskID      string
	SessionName string
	CompletedAt time.Time
}

// Store is the coordination backing store: one SQLite database per project
// root, migrated with goose.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the coordination
// database at path, conventionally <project_root>/.splitmind/coordination.db.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer avoids SQLITE_BUSY under goose + our own writes

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate coordination store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RegisterAgent creates an agent record and initial heartbeat. Fails with
// ErrAlreadyRegistered if the session is live under a different task.
func (s *Store) RegisterAgent(ctx context.Context, rec AgentRecord) error {
	existing, err := s.GetAgent(ctx, rec.ProjectID, rec.SessionName)
	if err == nil && existing.Alive(time.Now()) && existing.TaskID != rec.TaskID {
		return ErrAlreadyRegistered
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (project_id, session_name, task_id, branch, description, status, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT(project_id, session_name) DO UPDATE SET
			task_id=excluded.task_id, branch=excluded.branch, description=excluded.description,
			status='active', started_at=excluded.started_at, last_heartbeat=excluded.last_heartbeat`,
		rec.ProjectID, rec.SessionName, rec.TaskID, rec.Branch, rec.Description, now, now)
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

// UnregisterAgent deletes the agent record, its todos, its inbox, and
// releases any file locks it held.
func (s *Store) UnregisterAgent(ctx context.Context, projectID, session string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM agents WHERE project_id=? AND session_name=?",
		"DELETE FROM todos WHERE project_id=? AND session_name=?",
		"DELETE FROM messages WHERE project_id=? AND recipient_session=?",
		"DELETE FROM file_locks WHERE project_id=? AND session_name=?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, projectID, session); err != nil {
			return fmt.Errorf("failed to unregister agent: %w", err)
		}
	}
	return tx.Commit()
}

// Heartbeat sets the heartbeat timestamp to now and renews the TTL on the
// session's file locks. Unknown sessions are accepted (soft, per §4.2).
func (s *Store) Heartbeat(ctx context.Context, projectID, session string) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat=? WHERE project_id=? AND session_name=?`,
		now, projectID, session); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE file_locks SET acquired_at=? WHERE project_id=? AND session_name=?`,
		now, projectID, session); err != nil {
		return fmt.Errorf("failed to renew locks: %w", err)
	}
	return nil
}

// SetAgentStatus updates an agent's status label (e.g. "merged" once MQ
// finishes cleanup for its task) without touching its heartbeat.
func (s *Store) SetAgentStatus(ctx context.Context, projectID, session, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status=? WHERE project_id=? AND session_name=?`, status, projectID, session)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

// GetAgent returns a single agent record.
func (s *Store) GetAgent(ctx context.Context, projectID, session string) (AgentRecord, error) {
	var a AgentRecord
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, session_name, task_id, branch, description, status, started_at, last_heartbeat
		 FROM agents WHERE project_id=? AND session_name=?`, projectID, session)
	err := row.Scan(&a.ProjectID, &a.SessionName, &a.TaskID, &a.Branch, &a.Description, &a.Status, &a.StartedAt, &a.LastHeartbeat)
	return a, err
}

// ListActiveAgents returns sessions with a heartbeat within LivenessTTL.
func (s *Store) ListActiveAgents(ctx context.Context, projectID string) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, session_name, task_id, branch, description, status, started_at, last_heartbeat
		 FROM agents WHERE project_id=?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []AgentRecord
	for rows.Next() {
		var a AgentRecord
		if err := rows.Scan(&a.ProjectID, &a.SessionName, &a.TaskID, &a.Branch, &a.Description, &a.Status, &a.StartedAt, &a.LastHeartbeat); err != nil {
			return nil, err
		}
		if a.Alive(now) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

// AddTodo appends an item to a session's todo list.
func (s *Store) AddTodo(ctx context.Context, t Todo) (int64, error) {
	if t.Priority == 0 {
		t.Priority = 10
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO todos (project_id, session_name, text, status, priority, created_at) VALUES (?, ?, ?, 'pending', ?, ?)`,
		t.ProjectID, t.SessionName, t.Text, t.Priority, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to add todo: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTodo changes a todo's status. Fails with ErrUnknownTodo if absent.
func (s *Store) UpdateTodo(ctx context.Context, projectID string, todoID int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE todos SET status=? WHERE project_id=? AND id=?`, status, projectID, todoID)
	if err != nil {
		return fmt.Errorf("failed to update todo: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrUnknownTodo
	}
	return nil
}

// GetMyTodos returns a session's todo list ordered by priority then id.
func (s *Store) GetMyTodos(ctx context.Context, projectID, session string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, session_name, text, status, priority, created_at
		 FROM todos WHERE project_id=? AND session_name=? ORDER BY priority ASC, id ASC`,
		projectID, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		var t Todo
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.SessionName, &t.Text, &t.Status, &t.Priority, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AnnounceFileChange acquires an exclusive lock with TTL. If already locked
// by a live session, returns ErrAlreadyLocked and the current holder.
func (s *Store) AnnounceFileChange(ctx context.Context, lock FileLock) (holder string, err error) {
	if lock.TTLSeconds == 0 {
		lock.TTLSeconds = int(LivenessTTL.Seconds())
	}

	var existing FileLock
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, file_path, session_name, operation, description, acquired_at, ttl_seconds
		 FROM file_locks WHERE project_id=? AND file_path=?`, lock.ProjectID, lock.FilePath)
	scanErr := row.Scan(&existing.ProjectID, &existing.FilePath, &existing.SessionName, &existing.Operation, &existing.Description, &existing.AcquiredAt, &existing.TTLSeconds)

	if scanErr == nil && !existing.expired(time.Now()) && existing.SessionName != lock.SessionName {
		return existing.SessionName, ErrAlreadyLocked
	}

	lock.AcquiredAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO file_locks (project_id, file_path, session_name, operation, description, acquired_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, file_path) DO UPDATE SET
			session_name=excluded.session_name, operation=excluded.operation,
			description=excluded.description, acquired_at=excluded.acquired_at, ttl_seconds=excluded.ttl_seconds`,
		lock.ProjectID, lock.FilePath, lock.SessionName, lock.Operation, lock.Description, lock.AcquiredAt, lock.TTLSeconds)
	if err != nil {
		return "", fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return "", nil
}

// ReleaseFileLock releases a lock only if session is the current holder;
// otherwise it is a silent no-op per §4.2.
func (s *Store) ReleaseFileLock(ctx context.Context, projectID, session, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_locks WHERE project_id=? AND file_path=? AND session_name=?`,
		projectID, path, session)
	if err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	return nil
}

// GetFileLock returns the current lock on path, or sql.ErrNoRows.
func (s *Store) GetFileLock(ctx context.Context, projectID, path string) (FileLock, error) {
	var l FileLock
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, file_path, session_name, operation, description, acquired_at, ttl_seconds
		 FROM file_locks WHERE project_id=? AND file_path=?`, projectID, path)
	err := row.Scan(&l.ProjectID, &l.FilePath, &l.SessionName, &l.Operation, &l.Description, &l.AcquiredAt, &l.TTLSeconds)
	return l, err
}

// RegisterInterface stores a definition. Idempotent for the same
// (name, definition, session); rejects redefinition by a different author.
func (s *Store) RegisterInterface(ctx context.Context, iface Interface) (existing Interface, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, name, definition, author_session, registered_at
		 FROM interfaces WHERE project_id=? AND name=?`, iface.ProjectID, iface.Name)
	scanErr := row.Scan(&existing.ProjectID, &existing.Name, &existing.Definition, &existing.AuthorSession, &existing.RegisteredAt)

	if scanErr == nil && existing.AuthorSession != iface.AuthorSession {
		return existing, ErrInterfaceConflict
	}

	iface.RegisteredAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interfaces (project_id, name, definition, author_session, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, name) DO UPDATE SET definition=excluded.definition, registered_at=excluded.registered_at`,
		iface.ProjectID, iface.Name, iface.Definition, iface.AuthorSession, iface.RegisteredAt)
	if err != nil {
		return Interface{}, fmt.Errorf("failed to register interface: %w", err)
	}
	return Interface{}, nil
}

// QueryInterface returns a single named interface, or sql.ErrNoRows.
func (s *Store) QueryInterface(ctx context.Context, projectID, name string) (Interface, error) {
	var i Interface
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, name, definition, author_session, registered_at
		 FROM interfaces WHERE project_id=? AND name=?`, projectID, name)
	err := row.Scan(&i.ProjectID, &i.Name, &i.Definition, &i.AuthorSession, &i.RegisteredAt)
	return i, err
}

// ListInterfaces returns every interface registered for a project.
func (s *Store) ListInterfaces(ctx context.Context, projectID string) ([]Interface, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, name, definition, author_session, registered_at FROM interfaces WHERE project_id=?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	defer rows.Close()

	var out []Interface
	for rows.Next() {
		var i Interface
		if err := rows.Scan(&i.ProjectID, &i.Name, &i.Definition, &i.AuthorSession, &i.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SendMessage enqueues a message to recipient's inbox, generating an id.
func (s *Store) SendMessage(ctx context.Context, m Message) error {
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (project_id, recipient_session, sender_session, type, body, created_at, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ProjectID, m.RecipientSession, m.SenderSession, m.Type, m.Body, time.Now(), m.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// CheckMessages drains (reads and deletes) a session's inbox, FIFO.
func (s *Store) CheckMessages(ctx context.Context, projectID, session string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, recipient_session, sender_session, type, body, created_at, correlation_id
		 FROM messages WHERE project_id=? AND recipient_session=? ORDER BY id ASC`, projectID, session)
	if err != nil {
		return nil, fmt.Errorf("failed to check messages: %w", err)
	}

	var out []Message
	var ids []int64
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.RecipientSession, &m.SenderSession, &m.Type, &m.Body, &m.CreatedAt, &m.CorrelationID); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id); err != nil {
			return out, fmt.Errorf("failed to drain message %d: %w", id, err)
		}
	}
	return out, nil
}

// MarkTaskCompleted records a completion notice, replacing any prior one for
// the same task (idempotent under agent retry).
func (s *Store) MarkTaskCompleted(ctx context.Context, n CompletionNotice) error {
	n.CompletedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_notices (project_id, task_id, session_name, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, task_id) DO UPDATE SET session_name=excluded.session_name, completed_at=excluded.completed_at`,
		n.ProjectID, n.TaskID, n.SessionName, n.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record completion notice: %w", err)
	}
	return nil
}

// ConsumeCompletionNotice returns and deletes the completion notice for a
// task, if present — the authoritative signal in §4.5(c)(1).
func (s *Store) ConsumeCompletionNotice(ctx context.Context, projectID, taskID string) (CompletionNotice, bool, error) {
	var n CompletionNotice
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, task_id, session_name, completed_at FROM completion_notices WHERE project_id=? AND task_id=?`,
		projectID, taskID)
	err := row.Scan(&n.ProjectID, &n.TaskID, &n.SessionName, &n.CompletedAt)
	if err == sql.ErrNoRows {
		return CompletionNotice{}, false, nil
	}
	if err != nil {
		return CompletionNotice{}, false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM completion_notices WHERE project_id=? AND task_id=?`, projectID, taskID); err != nil {
		return n, true, fmt.Errorf("failed to consume completion notice: %w", err)
	}
	return n, true, nil
}

// Stats is the read-only coordination_stats operation from SPEC_FULL §12.
type Stats struct {
	ActiveAgents          int
	OpenFileLocks         int
	PendingMessages       int
	RegisteredInterfaces  int
}

// CoordinationStats returns aggregate counts for a project, used by EB's
// coordination_update payload.
func (s *Store) CoordinationStats(ctx context.Context, projectID string) (Stats, error) {
	var st Stats
	agents, err := s.ListActiveAgents(ctx, projectID)
	if err != nil {
		return st, err
	}
	st.ActiveAgents = len(agents)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_locks WHERE project_id=?`, projectID).Scan(&st.OpenFileLocks); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE project_id=?`, projectID).Scan(&st.PendingMessages); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interfaces WHERE project_id=?`, projectID).Scan(&st.RegisteredInterfaces); err != nil {
		return st, err
	}
	return st, nil
}

// ReleaseLocksForSession releases every lock held by session, used when
// unregistering a stale agent or finalizing a merge (§4.6 step 5).
func (s *Store) ReleaseLocksForSession(ctx context.Context, projectID, session string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE project_id=? AND session_name=?`, projectID, session)
	if err != nil {
		return fmt.Errorf("failed to release locks for session: %w", err)
	}
	return nil
}

// SweepStaleAgents runs the liveness sweep: releases locks for any agent
// whose heartbeat is older than LivenessTTL and marks it stale. Messages
// and todos are retained until UnregisterAgent. Intended to run on an
// interval from the scheduler loop's worker pool.
func (s *Store) SweepStaleAgents(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-LivenessTTL)
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, session_name FROM agents WHERE last_heartbeat < ? AND status != 'stale'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for stale agents: %w", err)
	}

	type key struct{ project, session string }
	var stale []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.project, &k.session); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := s.ReleaseLocksForSession(ctx, k.project, k.session); err != nil {
			return 0, err
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE agents SET status='stale' WHERE project_id=? AND session_name=?`, k.project, k.session); err != nil {
			return 0, fmt.Errorf("failed to mark agent stale: %w", err)
		}
		log.InfoLog.Printf("coordination: marked %s/%s stale (heartbeat expired)", k.project, k.session)
	}
	return len(stale), nil
}
