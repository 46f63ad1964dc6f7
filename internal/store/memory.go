// Package store: in-memory session store used in tests and single-process runs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servibot/servibot/internal/models"
)

// InMemoryStore is a mutex-guarded session store. It implements the same
// version semantics as the SQL backends so orchestrator tests exercise the
// real compare-and-swap path.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // id -> session
	byPeer   map[string]string          // channel+"/"+peer -> id
	merge    MergeFunc
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	merge := cfg.Merge
	if merge == nil {
		merge = ShallowMerge
	}
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		byPeer:   make(map[string]string),
		merge:    merge,
	}
}

func peerKey(channel models.Channel, peer string) string {
	return string(channel) + "/" + peer
}

// GetOrCreate implements Store. The mutex is the uniqueness constraint here:
// a duplicate create cannot happen inside the critical section.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, channel models.Channel, canonical string, variants []string) (*models.Session, error) {
	if canonical == "" {
		return nil, fmt.Errorf("canonical peer id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lookup := append([]string{canonical}, variants...)
	var best *models.Session
	for _, peer := range lookup {
		if id, ok := s.byPeer[peerKey(channel, peer)]; ok {
			sess := s.sessions[id]
			if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
				best = sess
			}
		}
	}
	if best != nil {
		return copySession(best), nil
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:           uuid.NewString(),
		Channel:      channel,
		PeerID:       canonical,
		State:        map[string]any{},
		StateVersion: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	s.byPeer[peerKey(channel, canonical)] = sess.ID
	slog.Debug("InMemoryStore created session", "id", sess.ID, "channel", channel, "peer", canonical)
	return copySession(sess), nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return copySession(sess), nil
}

// SetState implements Store. The whole merge-then-write runs inside the
// critical section, so the in-memory backend never actually loses the race;
// version bookkeeping still matches the SQL backends exactly.
func (s *InMemoryStore) SetState(ctx context.Context, id string, patch map[string]any) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	sess.State = s.merge(sess.State, patch)
	sess.StateVersion++
	sess.UpdatedAt = time.Now().UTC()
	return copySession(sess), nil
}

// ListUpdatedSince implements Store.
func (s *InMemoryStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if !sess.UpdatedAt.Before(since) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}

// copySession returns a copy whose state map is detached from the stored one.
func copySession(sess *models.Session) *models.Session {
	cp := *sess
	cp.State = make(map[string]any, len(sess.State))
	for k, v := range sess.State {
		cp.State[k] = v
	}
	return &cp
}
