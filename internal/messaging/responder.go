package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/models"
)

// DefaultHandleTimeout bounds orchestrator processing per inbound message.
const DefaultHandleTimeout = 30 * time.Second

// errorReply is sent when message handling fails outright. The user never
// gets silence or a technical error; they are invited to restate or escalate.
const errorReply = "Sorry, something went wrong on my side. Could you send that again? You can also ask for a human and I'll connect you."

// MessageHandler processes one inbound message and returns the reply text.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) (string, error)
}

// Responder drains inbound messages from every registered transport, runs
// them through the handler, and sends the reply back on the same transport.
// The test-mode guard is checked immediately before every outbound send; a
// blocked destination drops the reply but never fails message processing.
type Responder struct {
	handler  MessageHandler
	guard    *guard.Guard
	services []Service
	timeout  time.Duration
	wg       sync.WaitGroup
}

// ResponderOpts holds configuration options for the Responder.
type ResponderOpts struct {
	Timeout time.Duration
}

// ResponderOption defines a configuration option for the Responder.
type ResponderOption func(*ResponderOpts)

// WithHandleTimeout bounds per-message orchestrator processing.
func WithHandleTimeout(d time.Duration) ResponderOption {
	return func(o *ResponderOpts) {
		o.Timeout = d
	}
}

// NewResponder creates a Responder over the given transports.
func NewResponder(handler MessageHandler, g *guard.Guard, services []Service, opts ...ResponderOption) *Responder {
	var cfg ResponderOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Responder{
		handler:  handler,
		guard:    g,
		services: services,
		timeout:  timeout,
	}
}

// Start launches one drain loop per transport. It returns immediately; loops
// exit when the context is cancelled or the transport closes its channel.
func (r *Responder) Start(ctx context.Context) {
	for _, svc := range r.services {
		r.wg.Add(1)
		go func(svc Service) {
			defer r.wg.Done()
			r.drain(ctx, svc)
		}(svc)
	}
	slog.Info("Responder started", "transports", len(r.services))
}

// Wait blocks until every drain loop has exited.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) drain(ctx context.Context, svc Service) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Responder drain stopping", "channel", svc.Channel())
			return
		case msg, ok := <-svc.Messages():
			if !ok {
				slog.Debug("Responder message channel closed", "channel", svc.Channel())
				return
			}
			r.handle(ctx, svc, msg)
		}
	}
}

func (r *Responder) handle(ctx context.Context, svc Service, msg models.InboundMessage) {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.handler.HandleMessage(hctx, msg)
	if err != nil {
		slog.Error("Responder message handling failed", "error", err,
			"channel", msg.Channel, "from", msg.From,
			"conflict", errors.Is(err, models.ErrConcurrencyConflict))
		reply = errorReply
	}
	if reply == "" {
		return
	}

	if err := r.guard.Check(msg.From); err != nil {
		slog.Warn("Responder outbound blocked by test mode", "channel", msg.Channel, "to", msg.From)
		return
	}
	if err := svc.SendMessage(hctx, msg.From, reply); err != nil {
		slog.Error("Responder failed to send reply", "error", err, "channel", msg.Channel, "to", msg.From)
	}
}
