package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/servibot/servibot/internal/models"
)

// DefaultRequestTimeout bounds one backend call end to end.
const DefaultRequestTimeout = 15 * time.Second

// Opts holds configuration options for the HTTP backend client.
type Opts struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Option defines a configuration option for the HTTP backend client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = strings.TrimSuffix(url, "/")
	}
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// HTTPBackend talks JSON over HTTP to the business backend.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend creates a backend client from the provided options.
func NewHTTPBackend(opts ...Option) (*HTTPBackend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL not set")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	slog.Debug("NewHTTPBackend created", "base_url", cfg.BaseURL, "timeout", timeout)
	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// QuoteEstimate implements Backend.
func (b *HTTPBackend) QuoteEstimate(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error) {
	var out models.QuoteResult
	if err := b.post(ctx, "/v1/quotes/estimate", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Availability implements Backend.
func (b *HTTPBackend) Availability(ctx context.Context, in models.AvailabilityInput) (*models.AvailabilityResult, error) {
	var out models.AvailabilityResult
	if err := b.post(ctx, "/v1/appointments/availability", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAppointment implements Backend.
func (b *HTTPBackend) CreateAppointment(ctx context.Context, in models.CreateAppointmentInput) (*models.CreateAppointmentResult, error) {
	var out models.CreateAppointmentResult
	if err := b.post(ctx, "/v1/appointments", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelAppointment implements Backend.
func (b *HTTPBackend) CancelAppointment(ctx context.Context, in models.CancelAppointmentInput) (*models.CancelAppointmentResult, error) {
	var out models.CancelAppointmentResult
	if err := b.post(ctx, "/v1/appointments/cancel", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrderStatus implements Backend.
func (b *HTTPBackend) OrderStatus(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error) {
	var out models.OrderStatusResult
	if err := b.post(ctx, "/v1/orders/status", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends one JSON request and decodes the JSON response into out.
func (b *HTTPBackend) post(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal backend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	slog.Debug("HTTPBackend request", "path", path)
	resp, err := b.client.Do(req)
	if err != nil {
		slog.Error("HTTPBackend request failed", "path", path, "error", err)
		return fmt.Errorf("backend request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("HTTPBackend non-2xx response", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("backend request %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode backend response for %s: %w", path, err)
	}
	return nil
}
