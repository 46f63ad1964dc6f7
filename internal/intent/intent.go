// Package intent defines the pluggable external intent classifier.
//
// The orchestrator depends only on the Classifier interface; the OpenAI
// implementation lives beside it but nothing vendor-specific crosses the
// boundary. Only a validated models.Decision comes back — a malformed or
// out-of-schema decision is a hard error, never coerced into something
// usable.
package intent

import (
	"context"

	"github.com/servibot/servibot/internal/models"
)

// Request carries one message plus the conversational context the classifier
// may use: current stage, extracted signals, chain directives and a bounded
// transcript.
type Request struct {
	Message   string                       `json:"message"`
	Stage     models.Stage                 `json:"stage"`
	Signals   models.Signals               `json:"signals"`
	Directive models.Directive             `json:"directive"`
	Context   map[string]any               `json:"context,omitempty"` // equipment, brand, collected fields
	History   []models.ConversationMessage `json:"history,omitempty"`
}

// Classifier decides intent and funnel action for one inbound message.
// "No decision" (timeout, transport failure) is an error like any other; the
// orchestrator treats both identically with a safe fallback.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*models.Decision, error)
}
