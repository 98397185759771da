// Package store is the metadata store: the durable, compare-and-set record
// of sessions, audit events, rate-limit counters, and security events that
// the session manager and admin API treat as the single source of
// truth. All mutations are idempotent or compare-and-set; there is no
// in-process lock protecting session state across components.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrStalePrecondition = errors.New("stale precondition")
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreating    Status = "creating"
	StatusReady       Status = "ready"
	StatusAttached    Status = "attached"
	StatusDetached    Status = "detached"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusFailed      Status = "failed"
)

// Session is one row of the sessions table.
type Session struct {
	ID             string
	UserID         string
	Image          string
	Status         Status
	ContainerRef   string
	MemoryBytes    int64
	CPUShares      int64
	PidsMax        int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	DetachedAt     *time.Time
	ExpiresAt      *time.Time
	Metadata       map[string]string
}

// AuditEvent is the append-only audit record.
type AuditEvent struct {
	Seq       int64
	SessionID string // empty when not session-scoped
	UserID    string
	Kind      string
	Payload   string // bounded JSON string
	CreatedAt time.Time
}

// Audit event kinds, a closed set.
const (
	AuditSessionCreate     = "session.create"
	AuditSessionReady      = "session.ready"
	AuditSessionAttach     = "session.attach"
	AuditSessionDetach     = "session.detach"
	AuditSessionTerminate  = "session.terminate"
	AuditSessionFail       = "session.fail"
	AuditSecurityViolation = "security.violation"
	AuditPrivacyEnable     = "privacy.enable"
	AuditPrivacyDisable    = "privacy.disable"
)

// SecurityEvent records a bridge-level security violation independently of
// the general audit log, so it can be queried/retained on its own schedule.
type SecurityEvent struct {
	Seq       int64
	SessionID string
	Reason    string
	CreatedAt time.Time
}

// isBusyLock reports whether err indicates SQLite lock contention
// (SQLITE_BUSY), including wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	image            TEXT NOT NULL,
	status           TEXT NOT NULL,
	container_ref    TEXT NOT NULL DEFAULT '',
	memory_bytes     INTEGER NOT NULL DEFAULT 0,
	cpu_shares       INTEGER NOT NULL DEFAULT 0,
	pids_max         INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	detached_at      DATETIME,
	expires_at       DATETIME,
	metadata         TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS audit_logs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_session_id ON audit_logs(session_id);

CREATE TABLE IF NOT EXISTS security_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
	identifier   TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identifier, endpoint, window_start)
);

CREATE TABLE IF NOT EXISTS container_metrics (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	sample       TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent
// reads. WAL mode allows multiple readers plus one writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies the per-connection pragma set: WAL journaling for
// concurrent session creation under the sweeper, busy_timeout so writers
// queue instead of erroring, NORMAL sync in WAL, and an in-memory page
// cache sized for the metadata (not bulk) workload.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// InsertSession inserts a new session row. Unique on id; violating that
// constraint surfaces as ErrConflict.
func (s *Store) InsertSession(sess *Session) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, user_id, image, status, container_ref, memory_bytes, cpu_shares, pids_max, created_at, last_activity_at, detached_at, expires_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.Image, string(sess.Status), sess.ContainerRef,
			sess.MemoryBytes, sess.CPUShares, sess.PidsMax,
			sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), nullTime(sess.DetachedAt), nullTime(sess.ExpiresAt),
			metadata,
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: session %s", ErrConflict, sess.ID)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(selectSessionColumns+` WHERE id = ?`, id)
	return scanSession(row)
}

const selectSessionColumns = `SELECT id, user_id, image, status, container_ref, memory_bytes, cpu_shares, pids_max, created_at, last_activity_at, detached_at, expires_at, metadata FROM sessions`

// UpdateStatus performs the compare-and-set transition the session state machine
// relies on: it only applies when the row's current status equals from. A
// losing concurrent attempt gets ErrStalePrecondition.
func (s *Store) UpdateStatus(id string, from, to Status, now time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ? AND status = ?`,
			string(to), now.UTC(), id, string(from),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetSession(id); getErr == nil {
			return fmt.Errorf("%w: session %s not in state %s", ErrStalePrecondition, id, from)
		}
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// SetContainerRef sets container_ref, set once the container is created.
func (s *Store) SetContainerRef(id, containerRef string) error {
	return s.exec(`UPDATE sessions SET container_ref = ? WHERE id = ?`, id, containerRef, id)
}

// SetDetachedAt records the moment a session became Detached and the
// idle-TTL expiry that follows from it.
func (s *Store) SetDetachedAt(id string, detachedAt time.Time, expiresAt time.Time) error {
	return s.exec(
		`UPDATE sessions SET detached_at = ?, expires_at = ? WHERE id = ?`,
		id, detachedAt.UTC(), expiresAt.UTC(), id,
	)
}

// ClearExpiry is used on re-attach: Detached→Attached has no wall-clock TTL.
func (s *Store) ClearExpiry(id string) error {
	return s.exec(`UPDATE sessions SET expires_at = NULL WHERE id = ?`, id, id)
}

// SetReadyGraceExpiry sets expires_at for a Ready session's attach grace
// window; a Ready session nobody attaches to is evicted when it lapses.
func (s *Store) SetReadyGraceExpiry(id string, expiresAt time.Time) error {
	return s.exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`, id, expiresAt.UTC(), id)
}

func (s *Store) exec(query string, id string, args ...any) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// Touch sets last_activity_at unconditionally; called on every I/O while
// Attached so the session never TTLs out mid-use.
func (s *Store) Touch(id string, now time.Time) error {
	return s.exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, id, now.UTC(), id)
}

// ListByUser returns a page of sessions for user_id, newest first.
func (s *Store) ListByUser(userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		selectSessionColumns+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ExpiredDetached returns the ids of Detached sessions past their
// expires_at, the sweeper's primary worklist.
func (s *Store) ExpiredDetached(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(StatusDetached), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired detached sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiredReady returns Ready sessions whose attach grace window has lapsed.
func (s *Store) ExpiredReady(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(StatusReady), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired ready sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByStatuses is used by crash-recovery reconciliation to find rows
// left mid-flight by a previous process.
func (s *Store) ListByStatuses(statuses ...Status) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := selectSessionColumns + ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// TerminatedBefore returns Terminated sessions whose audit-visibility grace
// window has elapsed, for final row deletion.
func (s *Store) TerminatedBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE status = ? AND last_activity_at <= ?`,
		string(StatusTerminated), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing terminated sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// AppendAudit inserts an append-only audit row.
func (s *Store) AppendAudit(e AuditEvent) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO audit_logs (session_id, user_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			nullString(e.SessionID), e.UserID, e.Kind, e.Payload, e.CreatedAt.UTC(),
		)
		return err
	})
}

// AppendSecurity inserts a security_events row.
func (s *Store) AppendSecurity(e SecurityEvent) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO security_events (session_id, reason, created_at) VALUES (?, ?, ?)`,
			e.SessionID, e.Reason, e.CreatedAt.UTC(),
		)
		return err
	})
}

// IncrRate performs an atomic upsert against the (identifier, endpoint,
// window_start) uniqueness constraint and returns the post-increment count.
func (s *Store) IncrRate(identifier, endpoint string, windowStart time.Time) (int, error) {
	var count int
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO rate_limits (identifier, endpoint, window_start, count) VALUES (?, ?, ?, 1)
			 ON CONFLICT(identifier, endpoint, window_start) DO UPDATE SET count = count + 1`,
			identifier, endpoint, windowStart.UTC(),
		)
		if err != nil {
			return err
		}
		row := s.db.QueryRow(
			`SELECT count FROM rate_limits WHERE identifier = ? AND endpoint = ? AND window_start = ?`,
			identifier, endpoint, windowStart.UTC(),
		)
		return row.Scan(&count)
	})
	return count, err
}

// GCRetention deletes audit/metric rows older than auditTTL and rate-limit
// windows older than rateTTL.
func (s *Store) GCRetention(now time.Time, auditTTL, rateTTL time.Duration) error {
	if _, err := s.db.Exec(`DELETE FROM audit_logs WHERE created_at < ?`, now.Add(-auditTTL).UTC()); err != nil {
		return fmt.Errorf("gc audit_logs: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM container_metrics WHERE created_at < ?`, now.Add(-auditTTL).UTC()); err != nil {
		return fmt.Errorf("gc container_metrics: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM rate_limits WHERE window_start < ?`, now.Add(-rateTTL).UTC()); err != nil {
		return fmt.Errorf("gc rate_limits: %w", err)
	}
	return nil
}

// RecordMetric appends an optional container metrics sample. This is an
// append-and-expire channel for operator tooling: nothing in the broker
// reads it back, and GCRetention is its only other consumer.
func (s *Store) RecordMetric(sessionID, sample string, now time.Time) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO container_metrics (session_id, sample, created_at) VALUES (?, ?, ?)`,
			sessionID, sample, now.UTC(),
		)
		return err
	})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var status string
	var detachedAt, expiresAt sql.NullTime
	var metadata string
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Image, &status, &sess.ContainerRef,
		&sess.MemoryBytes, &sess.CPUShares, &sess.PidsMax,
		&sess.CreatedAt, &sess.LastActivityAt, &detachedAt, &expiresAt, &metadata,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = Status(status)
	if detachedAt.Valid {
		t := detachedAt.Time
		sess.DetachedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	sess.Metadata = decodeMetadata(metadata)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
