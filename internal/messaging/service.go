// Package messaging adapts channel transports to the orchestrator.
//
// Each transport implements Service: it delivers outbound text and surfaces
// inbound messages on a channel. The Responder drains those channels, runs
// every message through the orchestrator, and sends the reply back on the
// same transport after the test-mode guard clears the destination.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/servibot/servibot/internal/models"
)

const (
	// DefaultChannelBufferSize buffers inbound messages between the
	// transport's event callback and the responder loop.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel handoffs.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable message transport for one channel.
type Service interface {
	// Channel identifies the transport.
	Channel() models.Channel

	// SendMessage delivers a text message to a recipient address.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event polling, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the message channel.
	Stop() error

	// Messages returns the stream of inbound messages.
	Messages() <-chan models.InboundMessage
}
