package models

import (
	"errors"
	"testing"
)

func TestDecisionValidate(t *testing.T) {
	d := Decision{Intent: IntentQuote, Action: ActionGenerateQuote}
	if err := d.Validate(); err != nil {
		t.Fatalf("valid decision rejected: %v", err)
	}

	d = Decision{Intent: "pricing", Action: ActionGenerateQuote}
	if err := d.Validate(); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("unknown intent: expected ErrSchemaViolation, got %v", err)
	}

	d = Decision{Intent: IntentQuote, Action: "send_quote"}
	if err := d.Validate(); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("unknown action: expected ErrSchemaViolation, got %v", err)
	}

	d = Decision{
		Intent:        IntentFAQ,
		Action:        ActionAnswerInfo,
		KnowledgeRefs: []string{"a", "b", "c", "d"},
	}
	if err := d.Validate(); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("too many knowledge refs: expected ErrSchemaViolation, got %v", err)
	}
}

func TestIsValidStage(t *testing.T) {
	for _, s := range []Stage{
		StageCollectingCore, StageQuoted, StageCollectingPersonal,
		StageConfirmingSlot, StageScheduled, StageHandoffPaused,
	} {
		if !IsValidStage(s) {
			t.Errorf("stage %q should be valid", s)
		}
	}
	if IsValidStage("negotiating") {
		t.Error("unknown stage should not be valid")
	}
}

func TestToolExecutionErrorUnwrap(t *testing.T) {
	inner := errors.New("backend down")
	err := &ToolExecutionError{Tool: string(ToolQuote), Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ToolExecutionError should unwrap to the backend error")
	}
}
