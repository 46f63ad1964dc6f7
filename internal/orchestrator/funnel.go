package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/stage"
)

// Canned reply texts. User-visible error replies stay short, non-technical,
// and never expose internal error text.
const (
	replyGreeting          = "Hello! I can help with appliance repairs and installations."
	replyPausedOrientation = "A teammate is handling this conversation. They'll reply here shortly."
	replyResumeAck         = "Thanks — I'm back with you."
	replyHandoffAck        = "Of course — I'm connecting you with a teammate. They'll reply here shortly."
	replySoftClose         = "No problem, I'm at your disposal whenever you're ready."
	replySwitchApplied     = "Got it, we'll work on the %s instead. I'll refresh the estimate for it."
	replySwitchDiscarded   = "Understood, we'll stick with the %s."
	replySwitchProposed    = "Just to confirm: should we switch to the %s instead of the %s?"
	replySwitchReask       = "Sorry, just to be sure — should we switch to the %s? A quick yes or no works."
	replyFallback          = "Sorry, I didn't quite get that. Could you say it another way, or ask for a human if you prefer?"
)

// runFunnel executes the decision's action, calling tools where needed and
// extending the patch. Tool failures propagate so the caller can fall back
// without persisting a half-applied stage.
func (o *Orchestrator) runFunnel(ctx context.Context, sess *models.Session, msg models.InboundMessage, decision *models.Decision, current models.Stage, patch map[string]any) (string, error) {
	switch decision.Action {
	case models.ActionTransferHuman:
		patch[models.StateKeyBotPaused] = true
		patch[models.StateKeyHumanRequested] = true
		return replyHandoffAck, nil

	case models.ActionCollectData:
		return o.collectData(sess, msg, decision, current, patch), nil

	case models.ActionGenerateQuote:
		return o.generateQuote(ctx, sess, decision, patch)

	case models.ActionScheduleService:
		return o.scheduleService(ctx, sess, msg, patch)

	case models.ActionAnswerInfo:
		return o.answerInfo(ctx, sess, decision, current, patch)

	default:
		// Validate() upstream makes this unreachable; keep it loud anyway.
		return "", fmt.Errorf("unhandled action %q", decision.Action)
	}
}

// collectData stores whatever the message contributed and asks the next open
// question. In the personal-data phase the raw message itself is the datum:
// first the name, then the address.
func (o *Orchestrator) collectData(sess *models.Session, msg models.InboundMessage, decision *models.Decision, current models.Stage, patch map[string]any) string {
	if current == models.StageCollectingPersonal {
		body := strings.TrimSpace(msg.Body)
		switch {
		case stage.Str(sess.State, models.StateKeyName) == "":
			patch[models.StateKeyName] = body
			return "Thanks! And what's the address for the visit?"
		case stage.Str(sess.State, models.StateKeyAddress) == "":
			patch[models.StateKeyAddress] = body
			return "Perfect. Let me check available time slots for you."
		}
	}
	if decision.SuggestedReply != "" {
		return decision.SuggestedReply
	}
	merged := stage.MergeStateWithStage(sess.State, patch)
	return nextFunnelQuestion(stage.Derive(merged), merged)
}

// generateQuote calls the quote tool and marks the quote as delivered.
func (o *Orchestrator) generateQuote(ctx context.Context, sess *models.Session, decision *models.Decision, patch map[string]any) (string, error) {
	equipment := decision.Fields.Equipment
	if equipment == "" {
		equipment = stage.Str(sess.State, models.StateKeyEquipment)
	}
	if equipment == "" {
		// Nothing to price yet; stay in collecting_core and ask.
		return nextFunnelQuestion(models.StageCollectingCore, sess.State), nil
	}

	service := "repair"
	installation := stage.Flag(sess.State, models.StateKeyInstallationMode)
	if v, ok := patch[models.StateKeyInstallationMode].(bool); ok {
		installation = v
	}
	if installation {
		service = "installation"
	}
	in := models.QuoteInput{
		Service:     service,
		Equipment:   equipment,
		Brand:       pick(decision.Fields.Brand, stage.Str(sess.State, models.StateKeyBrand)),
		Problem:     pick(decision.Fields.Problem, stage.Str(sess.State, models.StateKeyProblem)),
		MountType:   pick(decision.Fields.MountType, stage.Str(sess.State, models.StateKeyMountType)),
		PowerType:   pick(decision.Fields.PowerType, stage.Str(sess.State, models.StateKeyPowerType)),
		BurnerCount: decision.Fields.BurnerCount,
	}

	result, err := o.dispatcher.Dispatch(ctx, models.ToolQuote, sess.PeerID, in)
	if err != nil {
		return "", err
	}
	quote, ok := result.(*models.QuoteResult)
	if !ok {
		return "", fmt.Errorf("unexpected quote result type %T", result)
	}

	patch[models.StateKeyQuoteDelivered] = true
	slog.Info("Orchestrator quote delivered", "session", sess.ID, "equipment", equipment)
	return fmt.Sprintf("For the %s, the estimate is %d-%d %s (final price confirmed on site). Want to book a visit?",
		equipment, quote.AmountMin, quote.AmountMax, quote.Currency), nil
}

// scheduleService walks the scheduling sub-funnel: collect personal data,
// offer slots, then book the selected slot.
func (o *Orchestrator) scheduleService(ctx context.Context, sess *models.Session, msg models.InboundMessage, patch map[string]any) (string, error) {
	state := sess.State

	// Personal details come before slots.
	if stage.Str(state, models.StateKeyName) == "" || stage.Str(state, models.StateKeyAddress) == "" {
		patch[models.StateKeyCollectingPersonal] = true
		if stage.Str(state, models.StateKeyName) == "" {
			return "Great! To book the visit I need a few details. What's your name?", nil
		}
		return "Thanks! And what's the address for the visit?", nil
	}

	// A slot already offered: try to resolve the selection.
	if slots := offeredSlots(state); len(slots) > 0 {
		if idx, ok := selectedSlot(msg.Body, len(slots)); ok {
			return o.bookSlot(ctx, sess, slots[idx], patch)
		}
		return "Which slot works for you? Reply with the number, e.g. 1.", nil
	}

	// Offer slots.
	service := "repair"
	if stage.Flag(state, models.StateKeyInstallationMode) {
		service = "installation"
	}
	result, err := o.dispatcher.Dispatch(ctx, models.ToolAvailability, sess.PeerID, models.AvailabilityInput{Service: service})
	if err != nil {
		return "", err
	}
	availability, ok := result.(*models.AvailabilityResult)
	if !ok {
		return "", fmt.Errorf("unexpected availability result type %T", result)
	}
	if len(availability.Slots) == 0 {
		return "I don't see any open slots right now. I'll ask a teammate to follow up with options.", nil
	}

	offered := make([]any, 0, len(availability.Slots))
	var lines []string
	for i, slot := range availability.Slots {
		encoded, err := json.Marshal(slot)
		if err != nil {
			return "", fmt.Errorf("failed to encode slot: %w", err)
		}
		offered = append(offered, json.RawMessage(encoded))
		lines = append(lines, fmt.Sprintf("%d) %s", i+1, slot.Start.Format("Mon Jan 2, 15:04")))
	}
	patch[models.StateKeyOfferedSlots] = offered
	patch[models.StateKeySlotSelectionPending] = true
	slog.Info("Orchestrator offered slots", "session", sess.ID, "count", len(offered))
	return "Here are the next available slots:\n" + strings.Join(lines, "\n") + "\nWhich one works for you?", nil
}

// bookSlot creates the appointment for one offered slot.
func (o *Orchestrator) bookSlot(ctx context.Context, sess *models.Session, slot models.Slot, patch map[string]any) (string, error) {
	state := sess.State
	service := "repair"
	if stage.Flag(state, models.StateKeyInstallationMode) {
		service = "installation"
	}
	in := models.CreateAppointmentInput{
		SlotID:    slot.ID,
		Service:   service,
		Equipment: stage.Str(state, models.StateKeyEquipment),
		Name:      stage.Str(state, models.StateKeyName),
		Address:   stage.Str(state, models.StateKeyAddress),
		Phone:     pick(stage.Str(state, models.StateKeyPhone), sess.PeerID),
	}
	result, err := o.dispatcher.Dispatch(ctx, models.ToolCreateAppointment, sess.PeerID, in)
	if err != nil {
		return "", err
	}
	appointment, ok := result.(*models.CreateAppointmentResult)
	if !ok {
		return "", fmt.Errorf("unexpected appointment result type %T", result)
	}

	patch[models.StateKeyAppointmentID] = appointment.AppointmentID
	slog.Info("Orchestrator appointment booked", "session", sess.ID, "appointment", appointment.AppointmentID)
	return fmt.Sprintf("You're booked for %s. We'll send a reminder before the visit. Anything else I can help with?",
		appointment.Start.Format("Mon Jan 2 at 15:04")), nil
}

// answerInfo handles status lookups and FAQ answers.
func (o *Orchestrator) answerInfo(ctx context.Context, sess *models.Session, decision *models.Decision, current models.Stage, patch map[string]any) (string, error) {
	if decision.Intent == models.IntentStatus {
		in := models.OrderStatusInput{Phone: sess.PeerID}
		if ref := stage.Str(sess.State, models.StateKeyAppointmentID); ref != "" {
			in.OrderRef = ref
		}
		result, err := o.dispatcher.Dispatch(ctx, models.ToolOrderStatus, sess.PeerID, in)
		if err != nil {
			return "", err
		}
		status, ok := result.(*models.OrderStatusResult)
		if !ok {
			return "", fmt.Errorf("unexpected status result type %T", result)
		}
		reply := fmt.Sprintf("Your order is %s.", strings.ReplaceAll(status.Status, "_", " "))
		if status.Detail != "" {
			reply += " " + status.Detail + "."
		}
		return reply, nil
	}

	if decision.SuggestedReply != "" {
		return decision.SuggestedReply, nil
	}
	return nextFunnelQuestion(current, sess.State), nil
}

// nextFunnelQuestion is the standing open question for a stage; also reused
// as the safe restatement after a failed classification.
func nextFunnelQuestion(s models.Stage, state map[string]any) string {
	switch s {
	case models.StageCollectingCore:
		if stage.Str(state, models.StateKeyEquipment) == "" {
			return "Which appliance do you need help with, and what's going on with it?"
		}
		return fmt.Sprintf("What exactly is happening with the %s?", stage.Str(state, models.StateKeyEquipment))
	case models.StageQuoted:
		return "Would you like to book a visit for that estimate?"
	case models.StageCollectingPersonal:
		if stage.Str(state, models.StateKeyName) == "" {
			return "What's your name, so I can set up the visit?"
		}
		return "And what's the address for the visit?"
	case models.StageConfirmingSlot:
		return "Which of the offered time slots works for you?"
	case models.StageScheduled:
		return "Your visit is booked. Anything else I can help with?"
	default:
		return "How can I help you today?"
	}
}

// fallbackReply restates the last open question without advancing anything.
func fallbackReply(s models.Stage, state map[string]any) string {
	return replyFallback + "\n" + nextFunnelQuestion(s, state)
}

// offeredSlots decodes the offered-slot candidates from state.
func offeredSlots(state map[string]any) []models.Slot {
	raw, ok := state[models.StateKeyOfferedSlots].([]any)
	if !ok {
		return nil
	}
	slots := make([]models.Slot, 0, len(raw))
	for _, entry := range raw {
		encoded, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var slot models.Slot
		if err := json.Unmarshal(encoded, &slot); err != nil {
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

// selectedSlot resolves a reply like "1", "the 2nd one" or "yes" (single
// slot) to an offered-slot index.
func selectedSlot(body string, count int) (int, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	if count == 1 && isAffirmative(trimmed) {
		return 0, true
	}
	for _, field := range strings.Fields(trimmed) {
		field = strings.TrimRight(field, ".,!)")
		field = strings.TrimSuffix(field, "st")
		field = strings.TrimSuffix(field, "nd")
		field = strings.TrimSuffix(field, "rd")
		field = strings.TrimSuffix(field, "th")
		if n, err := strconv.Atoi(field); err == nil && n >= 1 && n <= count {
			return n - 1, true
		}
	}
	return 0, false
}

var affirmativeWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "sure": true, "ok": true,
	"okay": true, "correct": true, "right": true, "exactly": true, "please": true,
}

var negativeWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "negative": true, "keep": true, "stay": true,
}

func isAffirmative(body string) bool {
	return matchesWordSet(body, affirmativeWords) && !matchesWordSet(body, negativeWords)
}

func isNegative(body string) bool {
	return matchesWordSet(body, negativeWords)
}

func matchesWordSet(body string, words map[string]bool) bool {
	for _, field := range strings.Fields(strings.ToLower(body)) {
		if words[strings.TrimRight(field, ".,!?")] {
			return true
		}
	}
	return false
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// appendHistory appends the turn's messages to the stored transcript,
// bounded to limit entries. The returned slice replaces the stored value
// wholesale on merge.
func appendHistory(state map[string]any, limit int, entries ...models.ConversationMessage) []any {
	existing, _ := state[models.StateKeyHistory].([]any)
	out := make([]any, 0, len(existing)+len(entries))
	out = append(out, existing...)
	for _, e := range entries {
		encoded, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out = append(out, json.RawMessage(encoded))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// historyFromState decodes the stored transcript for the classifier request.
func historyFromState(state map[string]any) []models.ConversationMessage {
	raw, ok := state[models.StateKeyHistory].([]any)
	if !ok {
		return nil
	}
	history := make([]models.ConversationMessage, 0, len(raw))
	for _, entry := range raw {
		encoded, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var msg models.ConversationMessage
		if err := json.Unmarshal(encoded, &msg); err != nil {
			continue
		}
		history = append(history, msg)
	}
	return history
}
