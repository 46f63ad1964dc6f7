// Package followup re-engages conversations the customer deferred.
//
// A periodic sweep finds sessions that were soft-closed ("I'll think about
// it") and have sat idle past a threshold, then sends a single nudge on the
// conversation's own transport. Each session is nudged at most once. The
// orchestrator clears soft_closed_at on the next non-deferral inbound, so an
// actively chatting customer never matches the sweep.
package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/messaging"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/stage"
	"github.com/servibot/servibot/internal/store"
)

const (
	// DefaultMinIdle is how long a soft-closed conversation rests before the
	// nudge.
	DefaultMinIdle = 24 * time.Hour
	// DefaultLookback bounds the sweep window; older sessions are left alone.
	DefaultLookback = 7 * 24 * time.Hour

	nudgeText = "Hi! Just checking in about your appliance. I'm still at your disposal if you'd like that visit."
)

// Opts holds configuration options for the Sweeper.
type Opts struct {
	MinIdle  time.Duration
	Lookback time.Duration
}

// Option defines a configuration option for the Sweeper.
type Option func(*Opts)

// WithMinIdle sets the rest period before a nudge.
func WithMinIdle(d time.Duration) Option {
	return func(o *Opts) {
		o.MinIdle = d
	}
}

// WithLookback sets the sweep window.
func WithLookback(d time.Duration) Option {
	return func(o *Opts) {
		o.Lookback = d
	}
}

// Sweeper sends one re-engagement nudge per soft-closed session.
type Sweeper struct {
	store    store.Store
	guard    *guard.Guard
	services map[models.Channel]messaging.Service
	minIdle  time.Duration
	lookback time.Duration
}

// NewSweeper creates a Sweeper over the session store and transports.
func NewSweeper(st store.Store, g *guard.Guard, services []messaging.Service, opts ...Option) *Sweeper {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	minIdle := cfg.MinIdle
	if minIdle <= 0 {
		minIdle = DefaultMinIdle
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	byChannel := make(map[models.Channel]messaging.Service, len(services))
	for _, svc := range services {
		byChannel[svc.Channel()] = svc
	}
	return &Sweeper{
		store:    st,
		guard:    g,
		services: byChannel,
		minIdle:  minIdle,
		lookback: lookback,
	}
}

// Sweep runs one pass. Errors on individual sessions are logged and skipped
// so one bad row never stalls the rest.
func (s *Sweeper) Sweep(ctx context.Context) {
	sessions, err := s.store.ListUpdatedSince(ctx, time.Now().Add(-s.lookback))
	if err != nil {
		slog.Error("Followup sweep failed to list sessions", "error", err)
		return
	}

	var sent int
	for _, sess := range sessions {
		if !s.eligible(sess) {
			continue
		}
		svc, ok := s.services[sess.Channel]
		if !ok {
			continue
		}
		if err := s.guard.Check(sess.PeerID); err != nil {
			slog.Warn("Followup nudge blocked by test mode", "session", sess.ID)
			continue
		}
		if err := svc.SendMessage(ctx, sess.PeerID, nudgeText); err != nil {
			slog.Error("Followup nudge send failed", "error", err, "session", sess.ID)
			continue
		}
		if _, err := s.store.SetState(ctx, sess.ID, map[string]any{
			models.StateKeyFollowupSentAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			slog.Error("Followup failed to mark session", "error", err, "session", sess.ID)
			continue
		}
		sent++
	}
	slog.Info("Followup sweep finished", "candidates", len(sessions), "sent", sent)
}

// eligible reports whether a session should receive the nudge now.
func (s *Sweeper) eligible(sess *models.Session) bool {
	if stage.Flag(sess.State, models.StateKeyBotPaused) {
		return false
	}
	if stage.Str(sess.State, models.StateKeyAppointmentID) != "" {
		return false
	}
	if stage.Str(sess.State, models.StateKeyFollowupSentAt) != "" {
		return false
	}
	closedAt := stage.Str(sess.State, models.StateKeySoftClosedAt)
	if closedAt == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, closedAt)
	if err != nil {
		slog.Warn("Followup skipping session with bad soft_closed_at", "session", sess.ID, "value", closedAt)
		return false
	}
	return time.Since(ts) >= s.minIdle
}
