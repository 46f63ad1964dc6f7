// Package models defines the structured inputs and outputs of the named
// business-backend tools exposed through the dispatcher.
package models

import (
	"fmt"
	"time"
)

// ToolName identifies one operation in the closed tool registry.
type ToolName string

const (
	ToolQuote             ToolName = "quote"
	ToolAvailability      ToolName = "availability"
	ToolCreateAppointment ToolName = "create-appointment"
	ToolCancelAppointment ToolName = "cancel-appointment"
	ToolOrderStatus       ToolName = "order-status"
)

// QuoteInput requests a price estimate for a service on a piece of equipment.
type QuoteInput struct {
	Service     string `json:"service"` // "repair" or "installation"
	Equipment   string `json:"equipment"`
	Brand       string `json:"brand,omitempty"`
	Problem     string `json:"problem,omitempty"`
	MountType   string `json:"mount_type,omitempty"`
	PowerType   string `json:"power_type,omitempty"`
	BurnerCount int    `json:"burner_count,omitempty"`
}

// Validate checks the minimum fields required for an estimate.
func (q *QuoteInput) Validate() error {
	if q.Service != "repair" && q.Service != "installation" {
		return fmt.Errorf("invalid service %q", q.Service)
	}
	if q.Equipment == "" {
		return fmt.Errorf("equipment is required")
	}
	return nil
}

// QuoteResult is the backend's price estimate.
type QuoteResult struct {
	AmountMin int    `json:"amount_min"`
	AmountMax int    `json:"amount_max"`
	Currency  string `json:"currency"`
	Notes     string `json:"notes,omitempty"`
}

// AvailabilityInput requests open appointment slots.
type AvailabilityInput struct {
	Service  string    `json:"service"`
	Area     string    `json:"area,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
}

// Slot is one bookable appointment window.
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AvailabilityResult lists bookable slots, soonest first.
type AvailabilityResult struct {
	Slots []Slot `json:"slots"`
}

// CreateAppointmentInput books a slot for a customer. Phone is the outbound
// destination checked against the test-mode guard before the call executes.
type CreateAppointmentInput struct {
	SlotID    string `json:"slot_id"`
	Service   string `json:"service"`
	Equipment string `json:"equipment"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Phone     string `json:"phone"`
}

// Validate checks the fields the backend requires to book.
func (c *CreateAppointmentInput) Validate() error {
	if c.SlotID == "" {
		return fmt.Errorf("slot_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Phone == "" {
		return fmt.Errorf("phone is required")
	}
	return nil
}

// CreateAppointmentResult is the booked appointment reference.
type CreateAppointmentResult struct {
	AppointmentID string    `json:"appointment_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// CancelAppointmentInput cancels a previously booked appointment.
type CancelAppointmentInput struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
}

// CancelAppointmentResult reports the cancellation outcome.
type CancelAppointmentResult struct {
	Cancelled bool `json:"cancelled"`
}

// OrderStatusInput looks up the progress of a service order.
type OrderStatusInput struct {
	OrderRef string `json:"order_ref,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// OrderStatusResult is the backend's progress report for an order.
type OrderStatusResult struct {
	OrderRef string `json:"order_ref"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}
