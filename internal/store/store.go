// Package store is the persistence gateway: every exported method mirrors
// one stored procedure from the reference schema (login, query_user,
// insert_contact, insert_group, insert_message, query_sync_message, ...).
// Each method opens one transaction, executes, commits, and returns
// either a result or a classified error (ErrTransient/ErrFatal) so
// callers can decide whether to drop the operation or tear down the
// session.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrTransient marks a connection-level failure the dispatcher should
// treat as non-fatal for the session (§7).
var ErrTransient = errors.New("store: transient failure")

// ErrFatal marks any other persistence failure.
var ErrFatal = errors.New("store: fatal failure")

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// Store wraps a SQLite database and exposes the stored-procedure-shaped
// persistence surface the dispatcher consumes. The engine is SQLite (the
// original schema ran on a stored-procedure RDBMS); the method contracts
// are preserved exactly, only the transport changed.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies schema
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: WAL mode unavailable", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout unavailable", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Backup snapshots the database to destPath using SQLite's VACUUM INTO,
// the maintenance tool's counterpart to the original backup routine.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	last_login TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	user_a INTEGER NOT NULL,
	user_b INTEGER NOT NULL,
	PRIMARY KEY (user_a, user_b)
);

CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS group_users (
	group_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id INTEGER NOT NULL,
	to_id INTEGER NOT NULL,
	ts TEXT NOT NULL,
	text TEXT NOT NULL,
	msg_type TEXT NOT NULL,
	is_group INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_to_ts ON messages(to_id, ts);

CREATE TABLE IF NOT EXISTS files (
	file_hash TEXT NOT NULL,
	file_suffix TEXT NOT NULL,
	PRIMARY KEY (file_hash, file_suffix)
);

CREATE TABLE IF NOT EXISTS apns_tokens (
	user_id INTEGER NOT NULL,
	token TEXT NOT NULL,
	PRIMARY KEY (user_id, token)
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("store migrations applied")
	return nil
}

const timeLayout = "2006-01-02 15:04:05"

func fmtTime(t time.Time) string { return t.Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Login upserts a user's display name and last-login timestamp.
func (s *Store) Login(ctx context.Context, userID int, name string, lastLogin time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, name, last_login) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_login = excluded.last_login
	`, userID, name, fmtTime(lastLogin))
	return classify(err)
}

// LastLogin returns the last recorded login time for a user, or the zero
// time if the user has never logged in before.
func (s *Store) LastLogin(ctx context.Context, userID int) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_login FROM users WHERE id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classify(err)
	}
	return parseTime(raw), nil
}

// QueryUser returns (name, avatar); either may be "" if null/absent.
func (s *Store) QueryUser(ctx context.Context, id int) (name, avatar string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT name, avatar FROM users WHERE id = ?`, id).Scan(&name, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return name, avatar, classify(err)
}

// QueryUserName returns just the display name, "" if absent.
func (s *Store) QueryUserName(ctx context.Context, id int) (string, error) {
	name, _, err := s.QueryUser(ctx, id)
	return name, err
}

// InsertContact records a bidirectional contact relationship.
func (s *Store) InsertContact(ctx context.Context, a, b int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO contacts(user_a, user_b) VALUES(?, ?)`, a, b); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO contacts(user_a, user_b) VALUES(?, ?)`, b, a); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// QueryGroup returns (name, avatar) for a group; either may be "" if absent.
func (s *Store) QueryGroup(ctx context.Context, id int) (name, avatar string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT name, avatar FROM groups WHERE id = ?`, id).Scan(&name, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return name, avatar, classify(err)
}

// InsertGroup creates a new group record.
func (s *Store) InsertGroup(ctx context.Context, id int, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups(id, name) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	return classify(err)
}

// InsertGroupUser adds a member to a group (idempotent).
func (s *Store) InsertGroupUser(ctx context.Context, groupID, userID int) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO group_users(group_id, user_id) VALUES(?, ?)`, groupID, userID)
	return classify(err)
}

// InsertMessage persists one chat message row.
func (s *Store) InsertMessage(ctx context.Context, from, to int, ts time.Time, text, msgType string, isGroup bool) error {
	isGroupInt := 0
	if isGroup {
		isGroupInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(from_id, to_id, ts, text, msg_type, is_group) VALUES(?, ?, ?, ?, ?, ?)
	`, from, to, fmtTime(ts), text, msgType, isGroupInt)
	return classify(err)
}

// QueryFile reports whether (hash, suffix) has already been uploaded.
func (s *Store) QueryFile(ctx context.Context, hash, suffix string) (exists bool, err error) {
	var h string
	err = s.db.QueryRowContext(ctx, `SELECT file_hash FROM files WHERE file_hash = ? AND file_suffix = ?`, hash, suffix).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, classify(err)
}

// InsertFile records that (hash, suffix) has been uploaded.
func (s *Store) InsertFile(ctx context.Context, hash, suffix string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO files(file_hash, file_suffix) VALUES(?, ?)`, hash, suffix)
	return classify(err)
}

// SyncRow is one row replayed during offline sync.
type SyncRow struct {
	From, To int
	Ts       time.Time
	Text     string
	MsgType  string
	IsGroup  bool
}

// QuerySyncMessage returns every message addressed to userID since
// lastLogin, oldest first.
func (s *Store) QuerySyncMessage(ctx context.Context, userID int, lastLogin time.Time) ([]SyncRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, ts, text, msg_type, is_group FROM messages
		WHERE to_id = ? AND ts > ?
		ORDER BY id ASC
	`, userID, fmtTime(lastLogin))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []SyncRow
	for rows.Next() {
		var r SyncRow
		var ts string
		var isGroupInt int
		if err := rows.Scan(&r.From, &r.To, &ts, &r.Text, &r.MsgType, &isGroupInt); err != nil {
			return nil, classify(err)
		}
		r.Ts = parseTime(ts)
		r.IsGroup = isGroupInt == 1
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// QueryGroupUser returns every member id of a group.
func (s *Store) QueryGroupUser(ctx context.Context, groupID int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM group_users WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		out = append(out, id)
	}
	return out, classify(rows.Err())
}

// InsertUserAPNsToken records a device push token for a user.
func (s *Store) InsertUserAPNsToken(ctx context.Context, userID int, token string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO apns_tokens(user_id, token) VALUES(?, ?)`, userID, token)
	return classify(err)
}

// QueryUserAPNsTokens returns every stored push token for a user.
func (s *Store) QueryUserAPNsTokens(ctx context.Context, userID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM apns_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, classify(err)
		}
		out = append(out, tok)
	}
	return out, classify(rows.Err())
}

// DeleteUserAPNsToken purges a push token the provider reported invalid.
func (s *Store) DeleteUserAPNsToken(ctx context.Context, userID int, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM apns_tokens WHERE user_id = ? AND token = ?`, userID, token)
	return classify(err)
}

// UpdateUserAvatar updates a user's avatar reference.
func (s *Store) UpdateUserAvatar(ctx context.Context, userID int, avatar string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET avatar = ? WHERE id = ?`, avatar, userID)
	return classify(err)
}

// UpdateGroupAvatar updates a group's avatar reference.
func (s *Store) UpdateGroupAvatar(ctx context.Context, groupID int, avatar string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET avatar = ? WHERE id = ?`, avatar, groupID)
	return classify(err)
}
