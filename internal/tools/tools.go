// Package tools provides name-indexed dispatch of the business-backend
// operations, guarded by the test-mode boundary.
//
// The registry is fixed and closed: quote, availability, create-appointment,
// cancel-appointment, order-status. An unknown name is models.ErrNotFound.
// Side-effecting tools consult the guard before touching the backend; blocked
// calls surface models.ErrTestModeBlocked and are never downgraded. Backend
// failures come back wrapped in models.ToolExecutionError with no retry.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/servibot/servibot/internal/backend"
	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/models"
)

// Dispatcher executes named tools against the business backend.
type Dispatcher struct {
	backend backend.Backend
	guard   *guard.Guard
}

// NewDispatcher creates a Dispatcher over the given backend and guard.
func NewDispatcher(b backend.Backend, g *guard.Guard) *Dispatcher {
	return &Dispatcher{backend: b, guard: g}
}

// Dispatch executes one tool by name. destination is the conversation peer
// the tool's effects will reach; side-effecting tools check it against the
// test-mode guard before executing. input may be the tool's typed input
// struct or raw JSON.
func (d *Dispatcher) Dispatch(ctx context.Context, name models.ToolName, destination string, input any) (any, error) {
	slog.Debug("Dispatcher Dispatch invoked", "tool", name, "destination", destination)

	switch name {
	case models.ToolQuote:
		var in models.QuoteInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("invalid quote input: %w", err)
		}
		return d.exec(name, func() (any, error) { return d.backend.QuoteEstimate(ctx, in) })

	case models.ToolAvailability:
		var in models.AvailabilityInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.exec(name, func() (any, error) { return d.backend.Availability(ctx, in) })

	case models.ToolCreateAppointment:
		var in models.CreateAppointmentInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("invalid appointment input: %w", err)
		}
		// The appointment reaches the customer at their phone; both it and
		// the conversation peer must clear the guard.
		if err := d.guard.Check(in.Phone); err != nil {
			return nil, err
		}
		if destination != "" && destination != in.Phone {
			if err := d.guard.Check(destination); err != nil {
				return nil, err
			}
		}
		return d.exec(name, func() (any, error) { return d.backend.CreateAppointment(ctx, in) })

	case models.ToolCancelAppointment:
		var in models.CancelAppointmentInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		if in.AppointmentID == "" {
			return nil, fmt.Errorf("appointment_id is required")
		}
		if err := d.guard.Check(destination); err != nil {
			return nil, err
		}
		return d.exec(name, func() (any, error) { return d.backend.CancelAppointment(ctx, in) })

	case models.ToolOrderStatus:
		var in models.OrderStatusInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.exec(name, func() (any, error) { return d.backend.OrderStatus(ctx, in) })

	default:
		slog.Error("Dispatcher unknown tool", "tool", name)
		return nil, fmt.Errorf("tool %q: %w", name, models.ErrNotFound)
	}
}

// exec runs one backend call and wraps failures in ToolExecutionError.
func (d *Dispatcher) exec(name models.ToolName, call func() (any, error)) (any, error) {
	result, err := call()
	if err != nil {
		slog.Error("Dispatcher tool execution failed", "tool", name, "error", err)
		return nil, &models.ToolExecutionError{Tool: string(name), Err: err}
	}
	slog.Debug("Dispatcher tool execution succeeded", "tool", name)
	return result, nil
}

// decodeInput accepts either the typed input struct itself or raw JSON.
// JSON decoding is strict: unknown fields are rejected.
func decodeInput(input, target any) error {
	var raw []byte
	switch v := input.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		marshaled, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode tool input: %w", err)
		}
		raw = marshaled
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to decode tool input: %w", err)
	}
	return nil
}
