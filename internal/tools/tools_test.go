package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/servibot/servibot/internal/backend"
	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/models"
)

func newTestDispatcher(g *guard.Guard) (*Dispatcher, *backend.MockBackend) {
	if g == nil {
		g = guard.New()
	}
	mock := backend.NewMockBackend()
	return NewDispatcher(mock, g), mock
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	_, err := d.Dispatch(context.Background(), "send-invoice", "", nil)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown tool, got %v", err)
	}
}

func TestDispatchQuote(t *testing.T) {
	d, mock := newTestDispatcher(nil)
	result, err := d.Dispatch(context.Background(), models.ToolQuote, "15551234567",
		models.QuoteInput{Service: "repair", Equipment: "oven"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.(*models.QuoteResult); !ok {
		t.Errorf("expected *QuoteResult, got %T", result)
	}
	if len(mock.Calls) != 1 || mock.Calls[0] != "quote" {
		t.Errorf("backend not invoked as expected: %v", mock.Calls)
	}
}

func TestDispatchQuoteRawJSON(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	raw := json.RawMessage(`{"service":"repair","equipment":"stove","problem":"won't light"}`)
	if _, err := d.Dispatch(context.Background(), models.ToolQuote, "", raw); err != nil {
		t.Fatalf("raw JSON input should decode, got %v", err)
	}

	bad := json.RawMessage(`{"service":"repair","equipment":"stove","surprise":true}`)
	if _, err := d.Dispatch(context.Background(), models.ToolQuote, "", bad); err == nil {
		t.Error("unknown fields must be rejected")
	}
}

func TestDispatchGuardBlocksAppointment(t *testing.T) {
	g := guard.New(guard.WithTestMode(true), guard.WithAllowList([]string{"15551234567"}))
	d, mock := newTestDispatcher(g)

	in := models.CreateAppointmentInput{
		SlotID: "slot-1", Service: "repair", Equipment: "oven",
		Name: "Pat", Address: "12 Main St", Phone: "15559999999",
	}
	_, err := d.Dispatch(context.Background(), models.ToolCreateAppointment, "15559999999", in)
	if !errors.Is(err, models.ErrTestModeBlocked) {
		t.Fatalf("expected ErrTestModeBlocked, got %v", err)
	}
	if len(mock.Calls) != 0 {
		t.Error("backend must not be reached when the guard blocks")
	}

	in.Phone = "15551234567"
	if _, err := d.Dispatch(context.Background(), models.ToolCreateAppointment, "15551234567", in); err != nil {
		t.Errorf("allow-listed destination should pass, got %v", err)
	}
}

func TestDispatchWrapsBackendFailure(t *testing.T) {
	d, mock := newTestDispatcher(nil)
	mock.StatusFunc = func(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error) {
		return nil, fmt.Errorf("backend down")
	}
	_, err := d.Dispatch(context.Background(), models.ToolOrderStatus, "", models.OrderStatusInput{OrderRef: "ord-1"})
	var toolErr *models.ToolExecutionError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolExecutionError, got %v", err)
	}
	if toolErr.Tool != string(models.ToolOrderStatus) {
		t.Errorf("wrapped error should carry tool name, got %q", toolErr.Tool)
	}
}

func TestDispatchValidatesInput(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	_, err := d.Dispatch(context.Background(), models.ToolQuote, "", models.QuoteInput{Service: "repair"})
	if err == nil {
		t.Error("quote without equipment should fail validation")
	}
}
