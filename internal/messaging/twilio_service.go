package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/twilio"
)

// TwilioService implements Service over the Twilio SMS client. Inbound
// messages arrive through the webhook handler, which the API server mounts.
type TwilioService struct {
	client   twilio.SMSSender
	messages chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService wraps an SMSSender.
func NewTwilioService(client twilio.SMSSender) *TwilioService {
	return &TwilioService{
		client:   client,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// Channel implements Service.
func (s *TwilioService) Channel() models.Channel {
	return models.ChannelSMS
}

// Start is a no-op; inbound SMS arrives via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop implements Service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.messages)
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage implements Service.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("TwilioService SendMessage error", "error", err, "to", to)
		return err
	}
	slog.Info("TwilioService message sent", "to", to, "body_length", len(body))
	return nil
}

// Messages implements Service.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// WebhookHandler parses inbound Twilio form posts into inbound messages.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.emit(models.InboundMessage{
		Channel: models.ChannelSMS,
		From:    from,
		Body:    body,
		Time:    time.Now().UTC(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(msg models.InboundMessage) {
	// Read lock held across the send; Stop closes the channel only under
	// the write lock, so the send can never race the close.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message, service stopped", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("TwilioService inbound message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", msg.From)
	}
}
