// Package backend defines the business-backend collaborator: the named
// domain operations (quote estimation, availability, appointment create and
// cancel, order status) that the tool dispatcher executes.
//
// The core owns none of the domain logic behind these operations; pricing
// tables and appointment persistence live on the other side of this
// interface. Failures propagate as errors with no retry at this layer.
package backend

import (
	"context"

	"github.com/servibot/servibot/internal/models"
)

// Backend is the set of named operations the business system exposes.
type Backend interface {
	QuoteEstimate(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error)
	Availability(ctx context.Context, in models.AvailabilityInput) (*models.AvailabilityResult, error)
	CreateAppointment(ctx context.Context, in models.CreateAppointmentInput) (*models.CreateAppointmentResult, error)
	CancelAppointment(ctx context.Context, in models.CancelAppointmentInput) (*models.CancelAppointmentResult, error)
	OrderStatus(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error)
}
