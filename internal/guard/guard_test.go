package guard

import (
	"errors"
	"testing"

	"github.com/servibot/servibot/internal/models"
)

func TestGuardDisabledAllowsEverything(t *testing.T) {
	g := New()
	if err := g.Check("+15550000000"); err != nil {
		t.Errorf("disabled guard should allow any destination, got %v", err)
	}
}

func TestGuardBlocksUnlistedDestination(t *testing.T) {
	g := New(WithTestMode(true), WithAllowList([]string{"+15551234567"}))

	if err := g.Check("+15559999999"); !errors.Is(err, models.ErrTestModeBlocked) {
		t.Errorf("expected ErrTestModeBlocked, got %v", err)
	}
	if err := g.Check("+15551234567"); err != nil {
		t.Errorf("allow-listed destination should pass, got %v", err)
	}
}

func TestGuardCountryCodeQualifiedForms(t *testing.T) {
	// Entry without country code permits the qualified destination.
	g := New(WithTestMode(true), WithAllowList([]string{"5551234567"}))
	if err := g.Check("15551234567"); err != nil {
		t.Errorf("country-code-qualified form should pass via suffix match, got %v", err)
	}

	// Entry with country code permits the national-number destination.
	g = New(WithTestMode(true), WithAllowList([]string{"15551234567"}))
	if err := g.Check("5551234567"); err != nil {
		t.Errorf("national form of an allow-listed number should pass, got %v", err)
	}
}

func TestGuardShortSuffixDoesNotMatch(t *testing.T) {
	g := New(WithTestMode(true), WithAllowList([]string{"4567"}))
	if err := g.Check("15551234567"); !errors.Is(err, models.ErrTestModeBlocked) {
		t.Error("a 4-digit entry must not permit arbitrary numbers by suffix")
	}
}

func TestSetTestMode(t *testing.T) {
	g := New(WithTestMode(true), WithAllowList(nil))
	if err := g.Check("15551234567"); !errors.Is(err, models.ErrTestModeBlocked) {
		t.Fatal("empty allow-list should block everything in test mode")
	}

	g.SetTestMode(false, nil)
	if err := g.Check("15551234567"); err != nil {
		t.Errorf("administratively disabled guard should allow, got %v", err)
	}
	if g.Enabled() {
		t.Error("Enabled should report the administrative state")
	}
}
