// Package store: SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/servibot/servibot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	merge MergeFunc
}

// NewSQLiteStore creates a new SQLite store with the given options. The DSN
// is a file path; the containing directory is created when absent.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	merge := cfg.Merge
	if merge == nil {
		merge = ShallowMerge
	}
	return &SQLiteStore{db: db, merge: merge}, nil
}

// GetOrCreate implements Store. The UNIQUE (channel, peer_id) constraint is
// the race guard: a concurrent create degrades into a read of the winner's row.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, channel models.Channel, canonical string, variants []string) (*models.Session, error) {
	if canonical == "" {
		return nil, fmt.Errorf("canonical peer id cannot be empty")
	}

	sess, err := s.lookup(ctx, channel, append([]string{canonical}, variants...))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, peer_id, state, state_version, created_at, updated_at)
		 VALUES (?, ?, ?, '{}', 0, ?, ?)
		 ON CONFLICT (channel, peer_id) DO NOTHING`,
		uuid.NewString(), channel, canonical, now, now)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreate insert failed", "error", err, "channel", channel, "peer", canonical)
		return nil, fmt.Errorf("failed to create session for %s/%s: %w", channel, canonical, err)
	}
	slog.Debug("SQLiteStore created session", "channel", channel, "peer", canonical)
	return s.lookup(ctx, channel, []string{canonical})
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

// SetState implements Store. The conditional UPDATE on state_version is the
// compare-and-swap; one transparent re-read-and-reapply, then surrender.
func (s *SQLiteStore) SetState(ctx context.Context, id string, patch map[string]any) (*models.Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		merged := s.merge(sess.State, patch)
		stateJSON, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session state: %w", err)
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET state = ?, state_version = state_version + 1, updated_at = ?
			 WHERE id = ? AND state_version = ?`,
			string(stateJSON), now, id, sess.StateVersion)
		if err != nil {
			slog.Error("SQLiteStore SetState update failed", "error", err, "id", id)
			return nil, fmt.Errorf("failed to update session %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 1 {
			sess.State = merged
			sess.StateVersion++
			sess.UpdatedAt = now
			slog.Debug("SQLiteStore SetState succeeded", "id", id, "version", sess.StateVersion, "attempt", attempt)
			return sess, nil
		}
		slog.Debug("SQLiteStore SetState lost conditional write, retrying", "id", id, "expected_version", sess.StateVersion)
	}
	slog.Error("SQLiteStore SetState conflict after retry", "id", id)
	return nil, fmt.Errorf("session %s: %w", id, models.ErrConcurrencyConflict)
}

// ListUpdatedSince implements Store.
func (s *SQLiteStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE updated_at >= ? ORDER BY updated_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// lookup finds the most recently updated session matching any of the peer
// encodings.
func (s *SQLiteStore) lookup(ctx context.Context, channel models.Channel, peers []string) (*models.Session, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(peers)), ",")
	args := make([]any, 0, len(peers)+1)
	args = append(args, channel)
	for _, p := range peers {
		args = append(args, p)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE channel = ? AND peer_id IN (`+placeholders+`)
		 ORDER BY updated_at DESC LIMIT 1`, args...)
	return scanSession(row, string(channel)+"/"+peers[0])
}

// collectSessions drains a multi-row result set.
func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var stateJSON string
		if err := rows.Scan(&sess.ID, &sess.Channel, &sess.PeerID, &stateJSON, &sess.StateVersion, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
		}
		if sess.State == nil {
			sess.State = map[string]any{}
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// scanSession scans one session row, mapping sql.ErrNoRows to models.ErrNotFound.
func scanSession(row *sql.Row, ref string) (*models.Session, error) {
	var sess models.Session
	var stateJSON string
	err := row.Scan(&sess.ID, &sess.Channel, &sess.PeerID, &stateJSON, &sess.StateVersion, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	return &sess, nil
}
