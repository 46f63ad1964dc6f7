package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/whatsapp"
)

// WhatsAppService implements Service over the Whatsmeow-based client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	messages chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService wraps a WhatsAppSender. When the sender is a full
// *whatsapp.Client, inbound events are consumed too; with a mock sender the
// service is outbound-only.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// Channel implements Service.
func (s *WhatsAppService) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// Start registers the inbound event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client, outbound only")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop implements Service.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.messages)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage implements Service.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", to, "body_length", len(body))
	return nil
}

// Messages implements Service.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// handleIncomingMessage converts a Whatsmeow text event into an inbound
// message. Non-text messages (images, audio, polls) are dropped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var body string
	switch {
	case evt.Message.Conversation != nil:
		body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		body = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		Channel: models.ChannelWhatsApp,
		From:    evt.Info.Sender.User,
		Body:    body,
		Time:    evt.Info.Timestamp,
	}
	s.emit(msg)
}

func (s *WhatsAppService) emit(msg models.InboundMessage) {
	// The read lock is held across the send: Stop takes the write lock
	// before closing the channel, so it cannot close between the stopped
	// check and the send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message, service stopped", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From)
	}
}
