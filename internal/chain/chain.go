// Package chain matches configured activation rules against an inbound
// message and the current conversation stage, producing bias directives for
// the intent classifier (preferred services, allowed tools, boosted knowledge
// blocks).
//
// Activation is pure given an already-loaded rule list. Effects of matched
// rules are unioned and deduplicated, so rule order never matters.
package chain

import (
	"log/slog"
	"strings"

	"github.com/servibot/servibot/internal/models"
)

// Activate evaluates every enabled rule against the message and stage and
// returns the deduplicated union of the matched rules' effects. A rule whose
// predicate does not hold contributes nothing.
func Activate(rules []models.ChainRule, message string, current models.Stage) models.Directive {
	var directive models.Directive
	normalized := normalizeMessage(message)

	seenServices := map[string]bool{}
	seenTools := map[string]bool{}
	seenBlocks := map[string]bool{}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !matchesTerms(rule.Terms, normalized) {
			continue
		}
		if !matchesStage(rule.Stages, current) {
			continue
		}
		slog.Debug("chain rule activated", "rule", rule.ID, "stage", current)
		directive.PreferServices = appendUnique(directive.PreferServices, rule.PreferServices, seenServices)
		directive.AllowedTools = appendUnique(directive.AllowedTools, rule.AllowedTools, seenTools)
		directive.BoostBlocks = appendUnique(directive.BoostBlocks, rule.BoostBlocks, seenBlocks)
	}
	return directive
}

// matchesTerms reports whether any term occurs in the normalized message.
// A rule without terms never activates; an always-on bias would belong in the
// classifier prompt, not in a rule.
func matchesTerms(terms []string, normalized string) bool {
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(normalized, normalizeMessage(term)) {
			return true
		}
	}
	return false
}

// matchesStage reports whether current is in the rule's stage filter. An
// absent filter matches all stages.
func matchesStage(stages []models.Stage, current models.Stage) bool {
	if len(stages) == 0 {
		return true
	}
	for _, s := range stages {
		if s == current {
			return true
		}
	}
	return false
}

func appendUnique(dst, src []string, seen map[string]bool) []string {
	for _, v := range src {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}

// normalizeMessage lowercases and collapses punctuation to spaces so terms
// match regardless of hyphenation or casing.
func normalizeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' || r == '.' || r == ',' || r == '!' || r == '?' {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
