// Package api exposes the administrative HTTP surface.
//
// It serves session inspection, manual pause and resume, test-mode guard
// reconfiguration, and the inbound Twilio webhook. Conversations themselves
// never flow through this API; they arrive on the messaging transports.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/identity"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/store"
)

// DefaultAddr is the default listen address for the admin API.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown on Stop.
const shutdownTimeout = 5 * time.Second

// Opts holds configuration options for the Server.
type Opts struct {
	Addr   string
	APIKey string
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAPIKey requires a Bearer token on every request.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// Server is the admin API server.
type Server struct {
	store      store.Store
	guard      *guard.Guard
	normalizer *identity.Normalizer
	addr       string
	apiKey     string
	httpServer *http.Server

	// webhooks mounted under /webhook, keyed by path suffix
	webhooks map[string]http.HandlerFunc
}

// NewServer creates an admin API server over the session store and guard.
func NewServer(st store.Store, g *guard.Guard, norm *identity.Normalizer, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		store:      st,
		guard:      g,
		normalizer: norm,
		addr:       addr,
		apiKey:     cfg.APIKey,
		webhooks:   make(map[string]http.HandlerFunc),
	}
}

// MountWebhook registers an inbound webhook handler under /webhook/<name>.
// Webhooks bypass API-key auth; the upstream provider signs its own requests.
func (s *Server) MountWebhook(name string, handler http.HandlerFunc) {
	s.webhooks[name] = handler
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	for name, handler := range s.webhooks {
		r.Post("/webhook/"+name, handler)
	}

	r.Group(func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Route("/sessions/{channel}/{peer}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Post("/pause", s.pauseSessionHandler)
			r.Post("/resume", s.resumeSessionHandler)
		})
		r.Get("/testmode", s.getTestModeHandler)
		r.Put("/testmode", s.setTestModeHandler)
	})

	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			slog.Warn("API unauthorized request", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
