package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tabsync/tabsync/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	// ErrSessionRevert is returned when a write would clear a tab's
	// non-empty session binding. Bindings are corrected, never reverted.
	ErrSessionRevert = errors.New("session binding revert")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertTab adds a canonical tab at the end of the list. Creating a tab id
// that already exists is a duplicate, not an upsert: the client retries
// with a fresh id.
func (s *Store) InsertTab(ctx context.Context, tab model.CanonicalTab) error {
	if strings.TrimSpace(tab.ID) == "" {
		return fmt.Errorf("tab id is required")
	}
	if tab.UpdatedAt.IsZero() {
		tab.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tabs(tab_id, name, session_id, position, updated_at)
VALUES (?, ?, ?, COALESCE((SELECT MAX(position)+1 FROM tabs), 0), ?)
`, tab.ID, tab.Name, nullIfEmpty(tab.SessionID), ts(tab.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert tab: %w", err)
	}
	return nil
}

func (s *Store) GetTab(ctx context.Context, tabID string) (model.CanonicalTab, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT tab_id, name, COALESCE(session_id, ''), position, updated_at
FROM tabs WHERE tab_id = ?`, tabID)
	return scanTab(row)
}

func (s *Store) ListTabs(ctx context.Context) ([]model.CanonicalTab, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tab_id, name, COALESCE(session_id, ''), position, updated_at
FROM tabs ORDER BY position ASC, tab_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tabs []model.CanonicalTab
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tabs: %w", err)
	}
	return tabs, nil
}

func (s *Store) RenameTab(ctx context.Context, tabID, name string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tabs SET name = ?, updated_at = ? WHERE tab_id = ?`, name, ts(now), tabID)
	if err != nil {
		return fmt.Errorf("rename tab: %w", err)
	}
	return requireRowChanged(res)
}

// SetTabSession binds or corrects a tab's session. An empty session id is
// rejected: a bound tab is re-bound, never unbound, while it exists.
func (s *Store) SetTabSession(ctx context.Context, tabID, sessionID string, now time.Time) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionRevert
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tabs SET session_id = ?, updated_at = ? WHERE tab_id = ?`, sessionID, ts(now), tabID)
	if err != nil {
		return fmt.Errorf("set tab session: %w", err)
	}
	return requireRowChanged(res)
}

func (s *Store) DeleteTab(ctx context.Context, tabID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tabs WHERE tab_id = ?`, tabID)
	if err != nil {
		return fmt.Errorf("delete tab: %w", err)
	}
	return requireRowChanged(res)
}

// LastModified returns the canonical list revision marker, unix millis.
func (s *Store) LastModified(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT last_modified FROM meta WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last_modified: %w", err)
	}
	return v, nil
}

// BumpLastModified advances the revision marker. The marker is monotonic:
// a clock step backwards still produces a strictly larger value.
func (s *Store) BumpLastModified(ctx context.Context, now time.Time) (int64, error) {
	current, err := s.LastModified(ctx)
	if err != nil {
		return 0, err
	}
	next := now.UTC().UnixMilli()
	if next <= current {
		next = current + 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO meta(id, last_modified) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
`, next)
	if err != nil {
		return 0, fmt.Errorf("bump last_modified: %w", err)
	}
	return next, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, cols, rows, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	cols=excluded.cols,
	rows=excluded.rows
`, sess.ID, sess.Cols, sess.Rows, ts(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ClearSessions drops all session rows. Called at daemon startup: PTYs do
// not survive a restart, so recorded sessions are gone by definition. Tab
// rows keep their stale session ids and self-heal on the next resume.
func (s *Store) ClearSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTab(row rowScanner) (model.CanonicalTab, error) {
	var tab model.CanonicalTab
	var updatedAt string
	if err := row.Scan(&tab.ID, &tab.Name, &tab.SessionID, &tab.Position, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CanonicalTab{}, ErrNotFound
		}
		return model.CanonicalTab{}, fmt.Errorf("scan tab: %w", err)
	}
	v, err := parseTS(updatedAt)
	if err != nil {
		return model.CanonicalTab{}, fmt.Errorf("parse updated_at: %w", err)
	}
	tab.UpdatedAt = v
	return tab, nil
}

func requireRowChanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
