// Package store provides versioned session storage for ServiBot.
//
// Sessions are keyed by (channel, canonical peer id) and carry a monotonic
// state_version. Writes are conditional on the expected version; a lost race
// is retried exactly once after a re-read, and a second loss surfaces as
// models.ErrConcurrencyConflict. Backends: in-memory (tests), SQLite, and
// PostgreSQL.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/servibot/servibot/internal/models"
)

// MergeFunc combines the current state with a patch to produce the next
// state. It must not mutate its inputs: the store re-invokes it against a
// freshly read state when a conditional write loses the race.
type MergeFunc func(prev, patch map[string]any) map[string]any

// ShallowMerge is the default merge contract: top-level keys of patch
// overwrite prev wholesale; nested values are replaced, never deep-merged.
func ShallowMerge(prev, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(prev)+len(patch))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Store is the versioned session store. Implementations guarantee that a
// successful SetState increments StateVersion by exactly one, and that
// GetOrCreate never produces two rows for the same (channel, canonical peer).
type Store interface {
	// GetOrCreate looks up a session by canonical peer id, falling back to
	// the provided historical variants, and lazily creates an empty session
	// when none exists. When variants match multiple rows the most recently
	// updated one is canonical.
	GetOrCreate(ctx context.Context, channel models.Channel, canonical string, variants []string) (*models.Session, error)

	// Get retrieves a session by id. Unknown ids return models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)

	// SetState merges patch into the session's current state via the
	// configured MergeFunc and writes conditioned on the expected version.
	// On a lost race it re-reads and reapplies exactly once; a second loss
	// returns models.ErrConcurrencyConflict. Returns the updated session.
	SetState(ctx context.Context, id string, patch map[string]any) (*models.Session, error)

	// ListUpdatedSince returns sessions last touched at or after the cutoff,
	// most recently updated first. Used by periodic sweeps.
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Session, error)

	// Close releases underlying resources.
	Close() error
}

// Opts holds configuration options shared by the store backends.
type Opts struct {
	DSN   string
	Merge MergeFunc
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithMergeFunc overrides the state merge contract. The stage machine's
// stage-aware merge is wired in here at startup so flag normalization is
// reapplied on conditional-write retries.
func WithMergeFunc(m MergeFunc) Option {
	return func(o *Opts) {
		o.Merge = m
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its
// scheme. Anything that is not recognizably Postgres is treated as a SQLite
// file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
