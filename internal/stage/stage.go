// Package stage derives the canonical conversation stage from session state.
//
// The stage is never independent truth: it is recomputed as a pure function of
// the state record on every write, and the legacy boolean flags are
// regenerated from the resolved stage. Flags are a cache; derivation is the
// source of truth. This is what keeps concurrent flag updates from drifting
// into an invalid combination.
package stage

import (
	"time"

	"github.com/servibot/servibot/internal/models"
)

// Derive computes the canonical stage from a state record, in fixed priority.
// It is pure: same state in, same stage out.
func Derive(state map[string]any) models.Stage {
	switch {
	case Flag(state, models.StateKeyBotPaused):
		return models.StageHandoffPaused
	case Flag(state, models.StateKeyScheduleConfirmed) || Str(state, models.StateKeyAppointmentID) != "":
		return models.StageScheduled
	case hasOfferedSlots(state) || Flag(state, models.StateKeySlotSelectionPending):
		return models.StageConfirmingSlot
	case Flag(state, models.StateKeyCollectingPersonal):
		return models.StageCollectingPersonal
	case Flag(state, models.StateKeyQuoteDelivered):
		return models.StageQuoted
	default:
		return models.StageCollectingCore
	}
}

// MergeStateWithStage shallow-merges patch over prev, settles the stage
// (honoring an explicitly patched valid stage, otherwise re-deriving), and
// normalizes the legacy flags to match the resolved stage. The stage
// timestamp updates only when the stage value actually changes. Neither input
// is mutated; the merged map is safe to persist wholesale.
func MergeStateWithStage(prev, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(prev)+len(patch)+2)
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	resolved := Derive(merged)
	if explicit := models.Stage(Str(patch, models.StateKeyStage)); models.IsValidStage(explicit) {
		resolved = explicit
	}

	normalizeFlags(merged, resolved)
	merged[models.StateKeyStage] = string(resolved)

	prevStage := Str(prev, models.StateKeyStage)
	if prevStage == "" {
		prevStage = string(Derive(prev))
	}
	if prevStage != string(resolved) {
		merged[models.StateKeyStageUpdatedAt] = time.Now().UTC().Format(time.RFC3339)
	}
	return merged
}

// normalizeFlags rewrites the legacy flags so Derive(state) == resolved.
// Flags belonging to higher-priority stages are cleared; the resolved stage's
// own flag is set. Lower-priority flags are left alone (a quote stays
// delivered while a slot is being confirmed).
func normalizeFlags(state map[string]any, resolved models.Stage) {
	switch resolved {
	case models.StageHandoffPaused:
		state[models.StateKeyBotPaused] = true
	case models.StageScheduled:
		delete(state, models.StateKeyBotPaused)
		delete(state, models.StateKeySlotSelectionPending)
		delete(state, models.StateKeyOfferedSlots)
		state[models.StateKeyScheduleConfirmed] = true
	case models.StageConfirmingSlot:
		delete(state, models.StateKeyBotPaused)
		delete(state, models.StateKeyScheduleConfirmed)
		delete(state, models.StateKeyAppointmentID)
		state[models.StateKeySlotSelectionPending] = true
	case models.StageCollectingPersonal:
		delete(state, models.StateKeyBotPaused)
		delete(state, models.StateKeyScheduleConfirmed)
		delete(state, models.StateKeyAppointmentID)
		delete(state, models.StateKeySlotSelectionPending)
		delete(state, models.StateKeyOfferedSlots)
		state[models.StateKeyCollectingPersonal] = true
	case models.StageQuoted:
		delete(state, models.StateKeyBotPaused)
		delete(state, models.StateKeyScheduleConfirmed)
		delete(state, models.StateKeyAppointmentID)
		delete(state, models.StateKeySlotSelectionPending)
		delete(state, models.StateKeyOfferedSlots)
		delete(state, models.StateKeyCollectingPersonal)
		state[models.StateKeyQuoteDelivered] = true
	case models.StageCollectingCore:
		delete(state, models.StateKeyBotPaused)
		delete(state, models.StateKeyScheduleConfirmed)
		delete(state, models.StateKeyAppointmentID)
		delete(state, models.StateKeySlotSelectionPending)
		delete(state, models.StateKeyOfferedSlots)
		delete(state, models.StateKeyCollectingPersonal)
		delete(state, models.StateKeyQuoteDelivered)
	}
}

// Flag reads a boolean state key; absent or non-boolean values read as false.
func Flag(state map[string]any, key string) bool {
	v, ok := state[key].(bool)
	return ok && v
}

// Str reads a string state key; absent or non-string values read as "".
func Str(state map[string]any, key string) string {
	v, _ := state[key].(string)
	return v
}

func hasOfferedSlots(state map[string]any) bool {
	switch slots := state[models.StateKeyOfferedSlots].(type) {
	case []any:
		return len(slots) > 0
	case []string:
		return len(slots) > 0
	default:
		return false
	}
}
