package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/servibot/servibot/internal/models"
)

func TestInMemoryStoreGetOrCreate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.StateVersion != 0 {
		t.Errorf("fresh session should have state_version 0, got %d", sess.StateVersion)
	}
	if len(sess.State) != 0 {
		t.Errorf("fresh session should have empty state, got %v", sess.State)
	}

	again, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("GetOrCreate should return the existing session, got new id %s", again.ID)
	}
}

func TestInMemoryStoreVariantLookup(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	// A row keyed by a pre-normalization encoding.
	legacy, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "+15551234567", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", []string{"+15551234567"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.ID != legacy.ID {
		t.Error("lookup should fall back to historical variants instead of creating a duplicate")
	}
}

func TestSetStateVersionMonotonicity(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		sess, err = s.SetState(ctx, sess.ID, map[string]any{"counter": i})
		if err != nil {
			t.Fatalf("SetState %d failed: %v", i, err)
		}
	}
	if sess.StateVersion != n {
		t.Errorf("after %d writes state_version should be exactly %d, got %d", n, n, sess.StateVersion)
	}
}

func TestSetStateShallowMerge(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	sess, _ := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", nil)
	sess, err := s.SetState(ctx, sess.ID, map[string]any{
		"equipment":     "oven",
		"offered_slots": []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nested values are replaced wholesale, never appended.
	sess, err = s.SetState(ctx, sess.ID, map[string]any{"offered_slots": []any{"c"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slots, ok := sess.State["offered_slots"].([]any)
	if !ok || len(slots) != 1 || slots[0] != "c" {
		t.Errorf("offered_slots should be replaced wholesale, got %v", sess.State["offered_slots"])
	}
	if sess.State["equipment"] != "oven" {
		t.Errorf("untouched keys must survive the merge, got %v", sess.State["equipment"])
	}
}

func TestSetStateUnknownID(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.SetState(context.Background(), "no-such-session", map[string]any{"x": 1})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", []string{"+15551234567"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err = s.SetState(ctx, sess.ID, map[string]any{"stage": "quoted", "quote_delivered": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.StateVersion != 1 {
		t.Errorf("expected state_version 1, got %d", sess.StateVersion)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State["stage"] != "quoted" {
		t.Errorf("state did not round-trip, got %v", got.State)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.db.Exec("DELETE FROM sessions")
	sess, err := s.GetOrCreate(ctx, models.ChannelWhatsApp, "15551234567", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess, err = s.SetState(ctx, sess.ID, map[string]any{"stage": "quoted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.StateVersion != 1 {
		t.Errorf("expected state_version 1, got %d", sess.StateVersion)
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=svc":     "postgres",
		"/var/lib/servibot/sessions.db": "sqlite",
		"file:test.db?_foreign_keys=on": "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
