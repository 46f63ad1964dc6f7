package intent

import (
	"context"

	"github.com/servibot/servibot/internal/models"
)

// MockClassifier is a deterministic Classifier for tests. Set Decision/Err to
// control the next response, or ClassifyFunc for per-call behavior.
type MockClassifier struct {
	Decision     *models.Decision
	Err          error
	ClassifyFunc func(ctx context.Context, req Request) (*models.Decision, error)

	// Requests records every request received, in order.
	Requests []Request
}

// NewMockClassifier creates a MockClassifier with a benign default decision.
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{
		Decision: &models.Decision{Intent: models.IntentOther, Action: models.ActionCollectData},
	}
}

// Classify implements Classifier.
func (m *MockClassifier) Classify(ctx context.Context, req Request) (*models.Decision, error) {
	m.Requests = append(m.Requests, req)
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Decision, nil
}
