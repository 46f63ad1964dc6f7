// Package guard implements the test-mode safety boundary for outbound side
// effects.
//
// When test mode is enabled, every destination of an outbound send or
// side-effecting tool call must match the explicit allow-list or the call is
// rejected with models.ErrTestModeBlocked. The guard is process-scoped
// configuration injected at startup; the only way to mutate it afterwards is
// the administrative SetTestMode entry point. Business logic never flips it.
package guard

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/servibot/servibot/internal/models"
)

// minSuffixDigits is the shortest allow-list suffix accepted for a match;
// anything shorter would make "7" permit half the phone book.
const minSuffixDigits = 7

// Opts holds configuration for a Guard.
type Opts struct {
	TestMode  bool
	AllowList []string
}

// Option configures a Guard.
type Option func(*Opts)

// WithTestMode enables or disables test mode at construction.
func WithTestMode(enabled bool) Option {
	return func(o *Opts) {
		o.TestMode = enabled
	}
}

// WithAllowList sets the destinations permitted while test mode is enabled.
func WithAllowList(destinations []string) Option {
	return func(o *Opts) {
		o.AllowList = destinations
	}
}

// Guard gates outbound destinations while test mode is enabled.
type Guard struct {
	mu      sync.RWMutex
	enabled bool
	allow   []string // digits-only canonical entries
}

// New creates a Guard from the provided options.
func New(opts ...Option) *Guard {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &Guard{enabled: cfg.TestMode}
	g.allow = canonicalizeList(cfg.AllowList)
	if g.enabled {
		slog.Info("Test-mode guard enabled", "allow_count", len(g.allow))
	}
	return g
}

// Check returns nil when the destination may be contacted, and an error
// wrapping models.ErrTestModeBlocked when test mode is on and the destination
// is not allow-listed. A destination matches by exact digits, by its
// country-code-qualified form, or by suffix.
func (g *Guard) Check(destination string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.enabled {
		return nil
	}
	dest := digits(destination)
	if dest == "" {
		return fmt.Errorf("empty destination: %w", models.ErrTestModeBlocked)
	}
	for _, entry := range g.allow {
		if matches(dest, entry) {
			return nil
		}
	}
	slog.Warn("Test-mode guard blocked destination", "destination", destination)
	return fmt.Errorf("destination %s not in test allow-list: %w", destination, models.ErrTestModeBlocked)
}

// Enabled reports whether test mode is currently on.
func (g *Guard) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// SetTestMode is the single administrative mutation entry point. It replaces
// both the flag and the allow-list atomically.
func (g *Guard) SetTestMode(enabled bool, allowList []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	g.allow = canonicalizeList(allowList)
	slog.Info("Test-mode guard reconfigured", "enabled", enabled, "allow_count", len(g.allow))
}

// matches reports whether a digits-only destination is permitted by one
// digits-only allow-list entry.
func matches(dest, entry string) bool {
	if entry == "" {
		return false
	}
	if dest == entry {
		return true
	}
	// Country-code-qualified destination against a national-number entry,
	// or the reverse.
	if len(entry) >= minSuffixDigits && strings.HasSuffix(dest, entry) {
		return true
	}
	if len(dest) >= minSuffixDigits && strings.HasSuffix(entry, dest) {
		return true
	}
	return false
}

func canonicalizeList(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if d := digits(e); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
