// Package models defines the core data structures for ServiBot.
//
// It includes sessions, conversation stages, inbound signals, chain directives,
// and the shared error taxonomy used across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies the chat transport a session belongs to.
type Channel string

const (
	// ChannelWhatsApp is the primary WhatsApp transport.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelSMS is the Twilio SMS transport.
	ChannelSMS Channel = "sms"
)

// IsPhoneBased reports whether peer addresses on this channel are phone numbers.
func (c Channel) IsPhoneBased() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS:
		return true
	default:
		return false
	}
}

// Error variables for the shared error taxonomy. Callers match these with
// errors.Is; only the orchestrator's top level converts them into user-facing
// fallback replies.
var (
	// ErrNotFound indicates an unknown session id or tool name.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict indicates an optimistic write lost the race twice.
	ErrConcurrencyConflict = errors.New("concurrent state update conflict")
	// ErrSchemaViolation indicates an intent classifier decision that does not
	// conform to the closed decision schema.
	ErrSchemaViolation = errors.New("decision schema violation")
	// ErrTestModeBlocked indicates the test-mode guard rejected a destination.
	// It is a safety boundary and is never downgraded to a business error.
	ErrTestModeBlocked = errors.New("destination blocked by test mode")
)

// Session is the persisted conversational state for one peer within one channel.
// State is an opaque structured record; StateVersion increments by exactly one
// on every successful write and is the compare-and-swap token for concurrent
// message delivery.
type Session struct {
	ID           string         `json:"id"`
	Channel      Channel        `json:"channel"`
	PeerID       string         `json:"peer_id"` // canonical form, see identity.Normalize
	State        map[string]any `json:"state"`
	StateVersion int64          `json:"state_version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Stage is the canonical conversation phase, deterministically derived from
// session state. It is never stored as independent truth: the persisted value
// is a cache regenerated on every write.
type Stage string

const (
	// StageCollectingCore is the initial stage: gathering equipment and problem.
	StageCollectingCore Stage = "collecting_core"
	// StageQuoted means a price estimate has been delivered.
	StageQuoted Stage = "quoted"
	// StageCollectingPersonal means the funnel is gathering contact details.
	StageCollectingPersonal Stage = "collecting_personal"
	// StageConfirmingSlot means appointment slots were offered and a selection is pending.
	StageConfirmingSlot Stage = "confirming_slot"
	// StageScheduled means an appointment has been confirmed.
	StageScheduled Stage = "scheduled"
	// StageHandoffPaused means a human operator holds the conversation. Sticky
	// until explicitly cleared by the resume command or an operator action.
	StageHandoffPaused Stage = "handoff_paused"
)

// IsValidStage reports whether s is one of the known conversation stages.
func IsValidStage(s Stage) bool {
	switch s {
	case StageCollectingCore, StageQuoted, StageCollectingPersonal,
		StageConfirmingSlot, StageScheduled, StageHandoffPaused:
		return true
	default:
		return false
	}
}

// State keys used inside Session.State. Top-level keys are overwritten
// wholesale on merge; nested values are never deep-merged.
const (
	// StateKeyStage caches the derived stage.
	StateKeyStage = "stage"
	// StateKeyStageUpdatedAt records when the stage value last changed.
	StateKeyStageUpdatedAt = "stage_updated_at"
	// StateKeyBotPaused pauses automated replies (human handoff).
	StateKeyBotPaused = "bot_paused"
	// StateKeyHumanRequested records an explicit human request by the peer.
	StateKeyHumanRequested = "human_requested"
	// StateKeyAppointmentID holds the backend appointment id once scheduled.
	StateKeyAppointmentID = "appointment_id"
	// StateKeyScheduleConfirmed marks a confirmed appointment.
	StateKeyScheduleConfirmed = "schedule_confirmed"
	// StateKeyOfferedSlots holds the candidate slots offered to the peer.
	// Replaced wholesale on every write, never appended.
	StateKeyOfferedSlots = "offered_slots"
	// StateKeySlotSelectionPending marks that a slot choice is awaited.
	StateKeySlotSelectionPending = "slot_selection_pending"
	// StateKeyCollectingPersonal marks the personal-data collection phase.
	StateKeyCollectingPersonal = "collecting_personal"
	// StateKeyQuoteDelivered marks that a price estimate was delivered.
	StateKeyQuoteDelivered = "quote_delivered"
	// StateKeyInstallationMode marks the conversation as an installation funnel.
	StateKeyInstallationMode = "installation_mode"
	// StateKeyEquipment holds the current equipment under discussion.
	StateKeyEquipment = "equipment"
	// StateKeyPendingEquipmentSwitch holds a proposed new equipment awaiting
	// the peer's confirmation.
	StateKeyPendingEquipmentSwitch = "pending_equipment_switch"
	// StateKeySoftClosedAt records a deferral/goodbye timestamp.
	StateKeySoftClosedAt = "soft_closed_at"
	// StateKeyFollowupSentAt records when the re-engagement nudge went out.
	StateKeyFollowupSentAt = "followup_sent_at"
	// StateKeyHistory holds the rolling conversation transcript.
	StateKeyHistory = "history"
	// StateKeyBrand, StateKeyProblem and friends hold fields extracted by the
	// intent classifier.
	StateKeyBrand       = "brand"
	StateKeyProblem     = "problem"
	StateKeyMountType   = "mount_type"
	StateKeyPowerType   = "power_type"
	StateKeyBurnerCount = "burner_count"
	// StateKeyName, StateKeyAddress, StateKeyPhone hold personal contact data.
	StateKeyName    = "name"
	StateKeyAddress = "address"
	StateKeyPhone   = "phone"
)

// Signals are the ephemeral, per-message conversational signals extracted by
// the inbound classifier. All matchers run independently; none short-circuits
// another.
type Signals struct {
	IsGreetingOnly  bool `json:"is_greeting_only"`
	WantsStatus     bool `json:"wants_status"`
	WantsHuman      bool `json:"wants_human"`
	IsDeferralOrBye bool `json:"is_deferral_or_bye"`
	MentionsInstall bool `json:"mentions_install"`
	NegatedInstall  bool `json:"negated_install"`
	LooksLikeRepair bool `json:"looks_like_repair"`
}

// InboundMessage represents one message received from a peer on a channel.
type InboundMessage struct {
	Channel Channel   `json:"channel"`
	From    string    `json:"from"` // raw channel address, not yet canonical
	Body    string    `json:"body"`
	Time    time.Time `json:"time"`
}

// ConversationMessage is a single entry in the session transcript.
type ConversationMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolExecutionError wraps a business-backend failure with the tool name that
// produced it. The dispatcher never retries; the orchestrator decides whether
// to inform the user.
type ToolExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.Tool, e.Err)
}

// Unwrap exposes the underlying backend error for errors.Is / errors.As.
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
