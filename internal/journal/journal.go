// Package journal is the agent's local SQLite record: an index of registry
// backups and the history of spoofing sessions.
package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/midnight/agent/internal/registry"
)

var (
	ErrNotFound = errors.New("journal entry not found")
	ErrDBClosed = errors.New("journal is closed")
)

// Config holds journal configuration
type Config struct {
	DBPath          string
	MaxSessions     int  // Sessions kept by Prune (default: 500). Backups are never pruned.
	CompressPayload bool // Whether to gzip session reports
}

// DefaultConfig returns default configuration
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:          filepath.Join(dataDir, "journal.db"),
		MaxSessions:     500,
		CompressPayload: true,
	}
}

// Store manages journal persistence
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Session is one recorded spoofing session. Report holds the JSON encoded
// session report.
type Session struct {
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	Success      bool            `json:"success"`
	SuccessRatio float64         `json:"successRatio"`
	DryRun       bool            `json:"dryRun"`
	Report       json.RawMessage `json:"report,omitempty"`
}

// Open opens (creating if needed) the journal database
func Open(config Config) (*Store, error) {
	if config.DBPath == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 500
	}

	// Ensure directory exists
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	schema := `
	-- Registry backups; the files on disk stay authoritative
	CREATE TABLE IF NOT EXISTS backups (
		handle TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		created_by TEXT NOT NULL,
		reason TEXT,
		ts INTEGER NOT NULL,
		signature TEXT NOT NULL,
		entries INTEGER NOT NULL DEFAULT 0
	);

	-- Spoofing sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		success INTEGER NOT NULL,
		ratio REAL NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		report BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_backups_ts ON backups(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordBackup indexes a backup written by the registry store.
func (s *Store) RecordBackup(ctx context.Context, rec registry.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrDBClosed
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO backups (handle, path, created_by, reason, ts, signature, entries) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.Handle, rec.Path, rec.CreatedBy, rec.Reason, rec.Timestamp.Unix(), rec.Signature, len(rec.Payload))
	return err
}

// Backups returns indexed backups, newest first. Payloads are not loaded.
func (s *Store) Backups(ctx context.Context) ([]registry.BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrDBClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT handle, path, created_by, reason, ts, signature FROM backups ORDER BY ts DESC, handle DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.BackupRecord
	for rows.Next() {
		var rec registry.BackupRecord
		var reason sql.NullString
		var ts int64
		if err := rows.Scan(&rec.Handle, &rec.Path, &rec.CreatedBy, &reason, &ts, &rec.Signature); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ForgetBackup drops a backup from the index.
func (s *Store) ForgetBackup(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrDBClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM backups WHERE handle = ?", handle)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSession stores a finished session.
func (s *Store) RecordSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrDBClosed
	}

	report, err := s.encodePayload(sess.Report)
	if err != nil {
		return fmt.Errorf("failed to encode session report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, started_at, finished_at, success, ratio, dry_run, report) VALUES (?, ?, ?, ?, ?, ?, ?)",
		sess.ID, sess.StartedAt.UnixMilli(), sess.FinishedAt.UnixMilli(), boolInt(sess.Success), sess.SuccessRatio,
		boolInt(sess.DryRun), report)
	return err
}

// Sessions returns up to limit sessions, most recent first. A limit of zero
// or less returns all of them.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrDBClosed
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, started_at, finished_at, success, ratio, dry_run, report FROM sessions ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started, finished int64
		var success, dryRun int
		var report []byte
		if err := rows.Scan(&sess.ID, &started, &finished, &success, &sess.SuccessRatio, &dryRun, &report); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		sess.FinishedAt = time.UnixMilli(finished)
		sess.Success = success == 1
		sess.DryRun = dryRun == 1
		if raw, err := decodePayload(report); err == nil && len(raw) > 0 {
			sess.Report = raw
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Session returns one session by ID.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	all, err := s.Sessions(ctx, 0)
	if err != nil {
		return Session{}, err
	}
	for _, sess := range all {
		if sess.ID == id {
			return sess, nil
		}
	}
	return Session{}, ErrNotFound
}

// Prune trims session history to the configured maximum.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrDBClosed
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?)",
		s.config.MaxSessions)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodePayload optionally compresses a JSON document
func (s *Store) encodePayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || !s.config.CompressPayload {
		return raw, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePayload decompresses (if needed) and returns the raw bytes
func decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	// Check for gzip magic number
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, nil // Not actually gzipped
		}
		defer gr.Close()
		return io.ReadAll(gr)
	}

	return data, nil
}
