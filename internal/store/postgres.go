// Package store: PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/servibot/servibot/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	merge MergeFunc
}

// NewPostgresStore creates a new Postgres store based on the provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	merge := cfg.Merge
	if merge == nil {
		merge = ShallowMerge
	}
	return &PostgresStore{db: db, merge: merge}, nil
}

// GetOrCreate implements Store.
func (s *PostgresStore) GetOrCreate(ctx context.Context, channel models.Channel, canonical string, variants []string) (*models.Session, error) {
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
		 VALUES ($1, $2, $3, '{}'::jsonb, 0, $4, $5)
		 ON CONFLICT (channel, peer_id) DO NOTHING`,
		uuid.NewString(), channel, canonical, now, now)
	if err != nil {
		slog.Error("PostgresStore GetOrCreate insert failed", "error", err, "channel", channel, "peer", canonical)
		return nil, fmt.Errorf("failed to create session for %s/%s: %w", channel, canonical, err)
	}
	slog.Debug("PostgresStore created session", "channel", channel, "peer", canonical)
	return s.lookup(ctx, channel, []string{canonical})
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row, id)
}

// SetState implements Store.
func (s *PostgresStore) SetState(ctx context.Context, id string, patch map[string]any) (*models.Session, error) {
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
			`UPDATE sessions SET state = $1::jsonb, state_version = state_version + 1, updated_at = $2
			 WHERE id = $3 AND state_version = $4`,
			string(stateJSON), now, id, sess.StateVersion)
		if err != nil {
			slog.Error("PostgresStore SetState update failed", "error", err, "id", id)
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
			slog.Debug("PostgresStore SetState succeeded", "id", id, "version", sess.StateVersion, "attempt", attempt)
			return sess, nil
		}
		slog.Debug("PostgresStore SetState lost conditional write, retrying", "id", id, "expected_version", sess.StateVersion)
	}
	slog.Error("PostgresStore SetState conflict after retry", "id", id)
	return nil, fmt.Errorf("session %s: %w", id, models.ErrConcurrencyConflict)
}

// ListUpdatedSince implements Store.
func (s *PostgresStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE updated_at >= $1 ORDER BY updated_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) lookup(ctx context.Context, channel models.Channel, peers []string) (*models.Session, error) {
	placeholders := make([]string, len(peers))
	args := make([]any, 0, len(peers)+1)
	args = append(args, channel)
	for i, p := range peers {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, p)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, peer_id, state, state_version, created_at, updated_at
		 FROM sessions WHERE channel = $1 AND peer_id IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY updated_at DESC LIMIT 1`, args...)
	return scanSession(row, string(channel)+"/"+peers[0])
}
