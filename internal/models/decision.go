// Package models defines the closed decision schema returned by the external
// intent classifier. A decision that does not validate is a hard error; the
// orchestrator never coerces an invalid decision into a usable one.
package models

import (
	"fmt"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentQuote    Intent = "quote"
	IntentSchedule Intent = "schedule"
	IntentStatus   Intent = "status"
	IntentFAQ      Intent = "faq"
	IntentHuman    Intent = "human"
	IntentOther    Intent = "other"
)

// Action is the funnel action the orchestrator should take for a message.
type Action string

const (
	ActionCollectData     Action = "collect_data"
	ActionGenerateQuote   Action = "generate_quote"
	ActionScheduleService Action = "schedule_service"
	ActionAnswerInfo      Action = "answer_info"
	ActionTransferHuman   Action = "transfer_human"
)

// MaxKnowledgeRefs bounds the knowledge-block references a decision may carry.
const MaxKnowledgeRefs = 3

// ExtractedFields are the structured fields the classifier may pull out of a
// message. Empty strings mean "not present"; the orchestrator only persists
// non-empty values.
type ExtractedFields struct {
	Equipment   string `json:"equipment,omitempty"`
	Brand       string `json:"brand,omitempty"`
	Problem     string `json:"problem,omitempty"`
	MountType   string `json:"mount_type,omitempty"`
	PowerType   string `json:"power_type,omitempty"`
	BurnerCount int    `json:"burner_count,omitempty"`
}

// Decision is the validated output of the external intent classifier.
type Decision struct {
	Intent         Intent          `json:"intent"`
	Action         Action          `json:"action"`
	Fields         ExtractedFields `json:"fields,omitempty"`
	SuggestedReply string          `json:"suggested_reply,omitempty"`
	KnowledgeRefs  []string        `json:"knowledge_refs,omitempty"`
}

// Validate checks the decision against the closed schema. Any violation is
// returned wrapped in ErrSchemaViolation so callers can match with errors.Is.
func (d *Decision) Validate() error {
	switch d.Intent {
	case IntentQuote, IntentSchedule, IntentStatus, IntentFAQ, IntentHuman, IntentOther:
	default:
		return fmt.Errorf("%w: unknown intent %q", ErrSchemaViolation, d.Intent)
	}
	switch d.Action {
	case ActionCollectData, ActionGenerateQuote, ActionScheduleService, ActionAnswerInfo, ActionTransferHuman:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrSchemaViolation, d.Action)
	}
	if len(d.KnowledgeRefs) > MaxKnowledgeRefs {
		return fmt.Errorf("%w: %d knowledge refs exceeds maximum of %d", ErrSchemaViolation, len(d.KnowledgeRefs), MaxKnowledgeRefs)
	}
	for i, ref := range d.KnowledgeRefs {
		if ref == "" {
			return fmt.Errorf("%w: empty knowledge ref at index %d", ErrSchemaViolation, i)
		}
	}
	if d.Fields.BurnerCount < 0 {
		return fmt.Errorf("%w: negative burner count %d", ErrSchemaViolation, d.Fields.BurnerCount)
	}
	return nil
}
