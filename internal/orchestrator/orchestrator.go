// Package orchestrator implements the per-message decision loop.
//
// Each inbound message resolves to at most one stage transition and one set
// of tool calls. The loop consumes the peer normalizer, session store,
// inbound classifier, stage machine and chain engine, optionally consults the
// injected external intent classifier, and persists exactly once per message
// through the store's compare-and-swap write. Typed failures never leak to
// the user: the top level converts them into a short, stage-neutral fallback
// reply and logs the real error for operators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/servibot/servibot/internal/chain"
	"github.com/servibot/servibot/internal/classify"
	"github.com/servibot/servibot/internal/identity"
	"github.com/servibot/servibot/internal/intent"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/stage"
	"github.com/servibot/servibot/internal/store"
	"github.com/servibot/servibot/internal/tools"
)

// ResumeCommand clears a human handoff and returns control to the bot.
const ResumeCommand = "/resume"

// DefaultHistoryLimit bounds the persisted transcript length in messages.
const DefaultHistoryLimit = 40

// Orchestrator routes inbound messages through the conversational funnel.
type Orchestrator struct {
	store        store.Store
	normalizer   *identity.Normalizer
	classifier   intent.Classifier
	dispatcher   *tools.Dispatcher
	rules        []models.ChainRule
	historyLimit int
}

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Rules        []models.ChainRule
	HistoryLimit int
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithChainRules installs the chain activation rules evaluated per message.
func WithChainRules(rules []models.ChainRule) Option {
	return func(o *Opts) {
		o.Rules = rules
	}
}

// WithHistoryLimit bounds the persisted transcript length.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// New creates an Orchestrator over its collaborators. The store must be
// configured with stage.MergeStateWithStage as its merge function so flag
// normalization is reapplied on conditional-write retries.
func New(st store.Store, norm *identity.Normalizer, cls intent.Classifier, disp *tools.Dispatcher, opts ...Option) *Orchestrator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Orchestrator{
		store:        st,
		normalizer:   norm,
		classifier:   cls,
		dispatcher:   disp,
		rules:        cfg.Rules,
		historyLimit: limit,
	}
}

// HandleMessage processes one inbound message end to end and returns the
// reply to send. Exactly one state write happens per message. A second
// optimistic-concurrency loss is fatal to this message and propagates.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.InboundMessage) (string, error) {
	canonical := o.normalizer.Normalize(msg.Channel, msg.From)
	if canonical == "" {
		return "", fmt.Errorf("cannot normalize peer address %q", msg.From)
	}
	variants := o.normalizer.Variants(msg.Channel, msg.From)

	sess, err := o.store.GetOrCreate(ctx, msg.Channel, canonical, variants)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	slog.Debug("Orchestrator HandleMessage loaded session",
		"session", sess.ID, "channel", msg.Channel, "peer", canonical, "version", sess.StateVersion)

	reply, patch := o.decide(ctx, sess, msg)

	// Renewed activity invalidates an earlier deferral marker. Only the
	// deferral branch itself writes the key; every other inbound clears it
	// so the follow-up sweep leaves active conversations alone.
	if _, deferring := patch[models.StateKeySoftClosedAt]; !deferring &&
		stage.Str(sess.State, models.StateKeySoftClosedAt) != "" {
		patch[models.StateKeySoftClosedAt] = ""
	}

	patch[models.StateKeyHistory] = appendHistory(sess.State, o.historyLimit,
		models.ConversationMessage{Role: "user", Content: msg.Body, Timestamp: msg.Time},
		models.ConversationMessage{Role: "assistant", Content: reply, Timestamp: time.Now().UTC()},
	)

	if _, err := o.store.SetState(ctx, sess.ID, patch); err != nil {
		slog.Error("Orchestrator failed to persist session state", "error", err, "session", sess.ID)
		return "", err
	}
	return reply, nil
}

// decide runs the decision steps and returns the reply plus the state patch
// to persist. It never returns a nil patch and never writes to the store
// itself; the single persist happens in HandleMessage. Typed failures from
// the classifier or tools are resolved here into a stage-neutral fallback.
func (o *Orchestrator) decide(ctx context.Context, sess *models.Session, msg models.InboundMessage) (string, map[string]any) {
	state := sess.State
	current := stage.Derive(state)

	// Steps 1-2: paused conversations only react to the resume command.
	if stage.Flag(state, models.StateKeyBotPaused) {
		if !isResumeCommand(msg.Body) {
			slog.Debug("Orchestrator conversation paused, holding", "session", sess.ID)
			return replyPausedOrientation, map[string]any{}
		}
		slog.Info("Orchestrator resume command received", "session", sess.ID)
		patch := map[string]any{
			models.StateKeyBotPaused:      false,
			models.StateKeyHumanRequested: false,
		}
		resumed := stage.Derive(stage.MergeStateWithStage(state, patch))
		return replyResumeAck + "\n" + nextFunnelQuestion(resumed, state), patch
	}

	signals := classify.Classify(msg.Body)
	slog.Debug("Orchestrator classified message", "session", sess.ID, "signals", signals, "stage", current)

	// Step 3: explicit human request short-circuits everything else.
	if signals.WantsHuman {
		slog.Info("Orchestrator human handoff requested", "session", sess.ID)
		return replyHandoffAck, map[string]any{
			models.StateKeyBotPaused:      true,
			models.StateKeyHumanRequested: true,
		}
	}

	// Step 4: a deferral soft-closes without advancing the funnel.
	if signals.IsDeferralOrBye {
		return replySoftClose, map[string]any{
			models.StateKeySoftClosedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}

	// Step 5: bare greeting before any equipment is known skips the
	// classifier entirely.
	if signals.IsGreetingOnly && stage.Str(state, models.StateKeyEquipment) == "" {
		return replyGreeting + "\n" + nextFunnelQuestion(current, state), map[string]any{}
	}

	// Step 6: consult the external intent classifier.
	directive := chain.Activate(o.rules, msg.Body, current)
	decision, err := o.classifier.Classify(ctx, intent.Request{
		Message:   msg.Body,
		Stage:     current,
		Signals:   signals,
		Directive: directive,
		Context:   contextSnippets(state),
		History:   historyFromState(state),
	})
	if err != nil {
		// Classifier failure or schema violation: safe fallback, zero stage
		// mutation, so a retry is unbiased.
		slog.Error("Orchestrator classifier failed", "error", err, "session", sess.ID,
			"schema_violation", errors.Is(err, models.ErrSchemaViolation))
		return fallbackReply(current, state), map[string]any{}
	}
	slog.Debug("Orchestrator decision received", "session", sess.ID,
		"intent", decision.Intent, "action", decision.Action)

	patch := map[string]any{}
	persistExtractedFields(patch, state, decision.Fields)

	// Step 7: installation/repair disambiguation. Explicit negation or
	// repair vocabulary without any install mention unsticks an installation
	// script from what is actually a repair.
	if stage.Flag(state, models.StateKeyInstallationMode) &&
		(signals.NegatedInstall || (signals.LooksLikeRepair && !signals.MentionsInstall)) {
		slog.Info("Orchestrator clearing installation mode", "session", sess.ID)
		patch[models.StateKeyInstallationMode] = false
	} else if signals.MentionsInstall && !signals.NegatedInstall {
		patch[models.StateKeyInstallationMode] = true
	}

	// Step 8: pending equipment switch confirmation.
	if pending := stage.Str(state, models.StateKeyPendingEquipmentSwitch); pending != "" {
		switch {
		case isAffirmative(msg.Body):
			slog.Info("Orchestrator applying equipment switch", "session", sess.ID, "equipment", pending)
			patch[models.StateKeyEquipment] = pending
			patch[models.StateKeyPendingEquipmentSwitch] = ""
			// The delivered quote is stale for the new equipment.
			patch[models.StateKeyQuoteDelivered] = false
			return fmt.Sprintf(replySwitchApplied, pending), patch
		case isNegative(msg.Body):
			slog.Info("Orchestrator discarding equipment switch", "session", sess.ID)
			patch[models.StateKeyPendingEquipmentSwitch] = ""
			return fmt.Sprintf(replySwitchDiscarded, stage.Str(state, models.StateKeyEquipment)), patch
		default:
			// Ambiguous: leave the pending marker untouched and re-ask.
			return fmt.Sprintf(replySwitchReask, pending), map[string]any{}
		}
	}

	// A newly extracted equipment that differs from the current one becomes
	// a pending switch rather than silently replacing it.
	if newEq := decision.Fields.Equipment; newEq != "" {
		if cur := stage.Str(state, models.StateKeyEquipment); cur != "" && !strings.EqualFold(cur, newEq) {
			patch[models.StateKeyPendingEquipmentSwitch] = newEq
			return fmt.Sprintf(replySwitchProposed, newEq, cur), patch
		}
	}

	// Step 9: dispatch to the resolved funnel module.
	reply, err := o.runFunnel(ctx, sess, msg, decision, current, patch)
	if err != nil {
		slog.Error("Orchestrator funnel action failed", "error", err, "session", sess.ID,
			"action", decision.Action, "blocked", errors.Is(err, models.ErrTestModeBlocked))
		// Drop stage-affecting keys collected so far; keep nothing but a
		// neutral reply so a retry is unbiased.
		return fallbackReply(current, state), map[string]any{}
	}
	return reply, patch
}

// contextSnippets selects the collected fields worth forwarding to the
// classifier. The raw state record never crosses the boundary.
func contextSnippets(state map[string]any) map[string]any {
	snippets := map[string]any{}
	for _, key := range []string{
		models.StateKeyEquipment, models.StateKeyBrand, models.StateKeyProblem,
		models.StateKeyMountType, models.StateKeyPowerType, models.StateKeyBurnerCount,
		models.StateKeyInstallationMode, models.StateKeyQuoteDelivered,
	} {
		if v, ok := state[key]; ok {
			snippets[key] = v
		}
	}
	return snippets
}

// persistExtractedFields copies non-empty extracted fields into the patch.
// Equipment is handled separately by the switch-confirmation step.
func persistExtractedFields(patch, state map[string]any, fields models.ExtractedFields) {
	if fields.Equipment != "" && stage.Str(state, models.StateKeyEquipment) == "" {
		patch[models.StateKeyEquipment] = fields.Equipment
	}
	if fields.Brand != "" {
		patch[models.StateKeyBrand] = fields.Brand
	}
	if fields.Problem != "" {
		patch[models.StateKeyProblem] = fields.Problem
	}
	if fields.MountType != "" {
		patch[models.StateKeyMountType] = fields.MountType
	}
	if fields.PowerType != "" {
		patch[models.StateKeyPowerType] = fields.PowerType
	}
	if fields.BurnerCount > 0 {
		patch[models.StateKeyBurnerCount] = fields.BurnerCount
	}
}

func isResumeCommand(body string) bool {
	return strings.EqualFold(strings.TrimSpace(body), ResumeCommand)
}
