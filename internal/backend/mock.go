package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/servibot/servibot/internal/models"
)

// MockBackend is an in-memory Backend for tests. Responses can be overridden
// per call; unset hooks return plausible canned data.
type MockBackend struct {
	QuoteFunc        func(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error)
	AvailabilityFunc func(ctx context.Context, in models.AvailabilityInput) (*models.AvailabilityResult, error)
	CreateFunc       func(ctx context.Context, in models.CreateAppointmentInput) (*models.CreateAppointmentResult, error)
	CancelFunc       func(ctx context.Context, in models.CancelAppointmentInput) (*models.CancelAppointmentResult, error)
	StatusFunc       func(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error)

	// Calls records every invocation by operation name, in order.
	Calls []string
}

// NewMockBackend creates a MockBackend with canned defaults.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (m *MockBackend) QuoteEstimate(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error) {
	m.Calls = append(m.Calls, "quote")
	if m.QuoteFunc != nil {
		return m.QuoteFunc(ctx, in)
	}
	return &models.QuoteResult{AmountMin: 80, AmountMax: 120, Currency: "USD"}, nil
}

func (m *MockBackend) Availability(ctx context.Context, in models.AvailabilityInput) (*models.AvailabilityResult, error) {
	m.Calls = append(m.Calls, "availability")
	if m.AvailabilityFunc != nil {
		return m.AvailabilityFunc(ctx, in)
	}
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	return &models.AvailabilityResult{Slots: []models.Slot{
		{ID: "slot-1", Start: base, End: base.Add(2 * time.Hour)},
		{ID: "slot-2", Start: base.Add(24 * time.Hour), End: base.Add(26 * time.Hour)},
	}}, nil
}

func (m *MockBackend) CreateAppointment(ctx context.Context, in models.CreateAppointmentInput) (*models.CreateAppointmentResult, error) {
	m.Calls = append(m.Calls, "create-appointment")
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, in)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid appointment input: %w", err)
	}
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	return &models.CreateAppointmentResult{AppointmentID: "apt-" + in.SlotID, Start: base, End: base.Add(2 * time.Hour)}, nil
}

func (m *MockBackend) CancelAppointment(ctx context.Context, in models.CancelAppointmentInput) (*models.CancelAppointmentResult, error) {
	m.Calls = append(m.Calls, "cancel-appointment")
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, in)
	}
	return &models.CancelAppointmentResult{Cancelled: true}, nil
}

func (m *MockBackend) OrderStatus(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error) {
	m.Calls = append(m.Calls, "order-status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, in)
	}
	return &models.OrderStatusResult{OrderRef: in.OrderRef, Status: "in_progress", Detail: "technician assigned"}, nil
}
