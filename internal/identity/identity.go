// Package identity normalizes channel-specific peer addresses into canonical
// session keys.
//
// Sessions written before normalization was introduced may be keyed by any of
// several historical encodings (JID suffix, transport prefix, with or without
// country code), so the package also enumerates lookup variants for them.
// Everything here is pure; no I/O.
package identity

import (
	"strings"

	"github.com/servibot/servibot/internal/models"
)

// Known transport prefixes stripped from raw peer addresses. Twilio encodes
// WhatsApp recipients as "whatsapp:+15551234567"; plain SMS uses "sms:".
var transportPrefixes = []string{"whatsapp:", "sms:", "tel:"}

// Opts holds configuration for a Normalizer.
type Opts struct {
	CountryCode string // default country code for phone variants, digits only
}

// Option configures a Normalizer.
type Option func(*Opts)

// WithCountryCode sets the default country code used when enumerating
// historical phone-number variants (e.g. "1" for NANP).
func WithCountryCode(cc string) Option {
	return func(o *Opts) {
		o.CountryCode = strings.TrimPrefix(cc, "+")
	}
}

// Normalizer turns raw channel addresses into canonical peer keys.
type Normalizer struct {
	countryCode string
}

// NewNormalizer creates a Normalizer, applying any provided options.
func NewNormalizer(opts ...Option) *Normalizer {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Normalizer{countryCode: cfg.CountryCode}
}

// Normalize converts a raw channel address into the canonical peer key.
// It strips the routing suffix (anything after "@"), any known transport
// prefix, and for phone-based channels reduces the remainder to digits only.
// Normalize is idempotent: applying it to its own output is a no-op.
func (n *Normalizer) Normalize(channel models.Channel, rawPeer string) string {
	peer := strings.TrimSpace(rawPeer)

	if at := strings.Index(peer, "@"); at >= 0 {
		peer = peer[:at]
	}
	for _, prefix := range transportPrefixes {
		if strings.HasPrefix(strings.ToLower(peer), prefix) {
			peer = peer[len(prefix):]
			break
		}
	}

	if channel.IsPhoneBased() {
		peer = digitsOnly(peer)
	}
	return peer
}

// Variants enumerates plausible historical encodings of a peer address so
// lookups against rows written before normalization still succeed. The
// canonical form is always first; the rest are deduplicated and ordered from
// most to least likely.
func (n *Normalizer) Variants(channel models.Channel, peer string) []string {
	canonical := n.Normalize(channel, peer)
	if canonical == "" {
		return nil
	}

	variants := []string{canonical}
	seen := map[string]bool{canonical: true}
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	if !channel.IsPhoneBased() {
		return variants
	}

	add("+" + canonical)
	if channel == models.ChannelWhatsApp {
		add(canonical + "@s.whatsapp.net")
		add("whatsapp:+" + canonical)
	}

	// With/without the default country code. Old rows occasionally carry the
	// bare national number, or the canonical number minus the code.
	if n.countryCode != "" {
		if strings.HasPrefix(canonical, n.countryCode) && len(canonical) > len(n.countryCode) {
			national := canonical[len(n.countryCode):]
			add(national)
			add("+" + n.countryCode + national)
		} else {
			add(n.countryCode + canonical)
		}
	}

	return variants
}

// digitsOnly strips every non-digit rune from s.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
