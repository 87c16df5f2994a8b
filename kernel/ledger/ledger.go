// Package ledger keeps a sqlite history of sessions and compilations.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	dsnOptions = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"

	defaultListLimit = 50
)

// Ledger is a nil-safe handle; every method on a nil *Ledger is a no-op.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// SessionRow is one session as the ledger last saw it.
type SessionRow struct {
	SessionID    string
	CallerID     string
	CreatedAt    time.Time
	LastCompile  time.Time
	Compilations int64
	ExpiredAt    time.Time
}

// Compilation is one finished compilation attempt.
type Compilation struct {
	SessionID string
	Style     string
	Status    string
	Stage     string
	Reason    string
	// ExitCodes holds one exit code per pass that ran, in order.
	ExitCodes []int
	Elapsed   time.Duration
	At        time.Time
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	db, err := sql.Open(driverName, path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordSession inserts a session row. Existing rows keep their creation
// time.
func (l *Ledger) RecordSession(ctx context.Context, sessionID, callerID string, at time.Time) error {
	if l == nil || l.db == nil {
		return nil
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("ledger: session_id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	const q = `
INSERT INTO sessions (session_id, caller_id, created_at, last_compile_at, compile_count, expired_at)
VALUES (?, ?, ?, 0, 0, 0)
ON CONFLICT(session_id) DO UPDATE SET caller_id = excluded.caller_id`
	if _, err := l.db.ExecContext(ctx, q, sessionID, callerID, at.UnixMilli()); err != nil {
		return fmt.Errorf("ledger: record session: %w", err)
	}
	return nil
}

// RecordCompilation appends a compilation and bumps its session counters.
func (l *Ledger) RecordCompilation(ctx context.Context, c Compilation) error {
	if l == nil || l.db == nil {
		return nil
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("ledger: session_id is required")
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}
	ts := c.At.UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertSession = `
INSERT INTO sessions (session_id, caller_id, created_at, last_compile_at, compile_count, expired_at)
VALUES (?, '', ?, 0, 0, 0)
ON CONFLICT(session_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insertSession, c.SessionID, ts); err != nil {
		return fmt.Errorf("ledger: record compilation: %w", err)
	}
	const insertCompilation = `
INSERT INTO compilations (session_id, style, status, stage, reason, exit_codes, elapsed_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertCompilation,
		c.SessionID, c.Style, c.Status, c.Stage, c.Reason,
		encodeExitCodes(c.ExitCodes), c.Elapsed.Milliseconds(), ts,
	); err != nil {
		return fmt.Errorf("ledger: record compilation: %w", err)
	}
	const bump = `
UPDATE sessions SET
	compile_count = compile_count + 1,
	last_compile_at = CASE WHEN last_compile_at > ? THEN last_compile_at ELSE ? END
WHERE session_id = ?`
	if _, err := tx.ExecContext(ctx, bump, ts, ts, c.SessionID); err != nil {
		return fmt.Errorf("ledger: record compilation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// MarkExpired stamps the session as reclaimed by the collector.
func (l *Ledger) MarkExpired(ctx context.Context, sessionID string, at time.Time) error {
	if l == nil || l.db == nil {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	const q = `UPDATE sessions SET expired_at = ? WHERE session_id = ?`
	if _, err := l.db.ExecContext(ctx, q, at.UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("ledger: mark expired: %w", err)
	}
	return nil
}

// Sessions lists sessions, most recently created first.
func (l *Ledger) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
SELECT session_id, caller_id, created_at, last_compile_at, compile_count, expired_at
FROM sessions
ORDER BY created_at DESC, session_id DESC
LIMIT ?`
	rows, err := l.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	defer rows.Close()
	out := make([]SessionRow, 0, limit)
	for rows.Next() {
		var row SessionRow
		var createdAt, lastCompile, expiredAt int64
		if err := rows.Scan(&row.SessionID, &row.CallerID, &createdAt, &lastCompile, &row.Compilations, &expiredAt); err != nil {
			return nil, err
		}
		row.CreatedAt = time.UnixMilli(createdAt)
		row.LastCompile = fromMillis(lastCompile)
		row.ExpiredAt = fromMillis(expiredAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Compilations lists a session's compilations, newest first.
func (l *Ledger) Compilations(ctx context.Context, sessionID string, limit int) ([]Compilation, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("ledger: session_id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
SELECT session_id, style, status, stage, reason, exit_codes, elapsed_ms, created_at
FROM compilations
WHERE session_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := l.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list compilations: %w", err)
	}
	defer rows.Close()
	var out []Compilation
	for rows.Next() {
		var c Compilation
		var codes string
		var elapsedMS, createdAt int64
		if err := rows.Scan(&c.SessionID, &c.Style, &c.Status, &c.Stage, &c.Reason, &codes, &elapsedMS, &createdAt); err != nil {
			return nil, err
		}
		c.ExitCodes = decodeExitCodes(codes)
		c.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		c.At = time.UnixMilli(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasSession reports whether the ledger has ever seen sessionID.
func (l *Ledger) HasSession(ctx context.Context, sessionID string) (bool, error) {
	if l == nil || l.db == nil {
		return false, nil
	}
	const q = `SELECT 1 FROM sessions WHERE session_id = ? LIMIT 1`
	var one int
	if err := l.db.QueryRowContext(ctx, q, sessionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	last_compile_at INTEGER NOT NULL DEFAULT 0,
	compile_count INTEGER NOT NULL DEFAULT 0,
	expired_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS compilations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	exit_codes TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compilations_session_created
ON compilations(session_id, created_at DESC);`
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeExitCodes(codes []int) string {
	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprint(code))
	}
	return strings.Join(parts, ",")
}

func decodeExitCodes(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		var code int
		if _, err := fmt.Sscan(part, &code); err == nil {
			out = append(out, code)
		}
	}
	return out
}
