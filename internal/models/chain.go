// Package models defines chain activation rules and directives.
package models

// ChainRule is a configured activation rule. A rule activates when any of its
// Terms matches the message AND any of its Stages matches the current stage;
// an empty Stages filter matches all stages.
type ChainRule struct {
	ID             string   `json:"id" yaml:"id"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Terms          []string `json:"terms" yaml:"terms"`
	Stages         []Stage  `json:"stages,omitempty" yaml:"stages,omitempty"`
	PreferServices []string `json:"prefer_services,omitempty" yaml:"prefer_services,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	BoostBlocks    []string `json:"boost_blocks,omitempty" yaml:"boost_blocks,omitempty"`
}

// Directive is the ephemeral bias signal produced by the chain activation
// engine for one message: the deduplicated union of every matched rule's
// effects. Effects are additive; rule order never matters.
type Directive struct {
	PreferServices []string `json:"prefer_services,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	BoostBlocks    []string `json:"boost_blocks,omitempty"`
}

// IsZero reports whether the directive carries no effects at all.
func (d Directive) IsZero() bool {
	return len(d.PreferServices) == 0 && len(d.AllowedTools) == 0 && len(d.BoostBlocks) == 0
}
