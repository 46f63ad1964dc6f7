package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/servibot/servibot/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// resolveSession loads the session addressed by the {channel}/{peer} URL
// parameters. Missing sessions are not created here; the admin API only
// inspects conversations that already exist.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	channel := models.Channel(chi.URLParam(r, "channel"))
	if channel != models.ChannelWhatsApp && channel != models.ChannelSMS {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown channel"))
		return nil, false
	}

	peer := chi.URLParam(r, "peer")
	canonical := s.normalizer.Normalize(channel, peer)
	if canonical == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid peer address"))
		return nil, false
	}

	sess, err := s.store.GetOrCreate(r.Context(), channel, canonical, s.normalizer.Variants(channel, peer))
	if err != nil {
		slog.Error("API failed to resolve session", "error", err, "channel", channel, "peer", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return nil, false
	}
	return sess, true
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) pauseSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	updated, err := s.store.SetState(r.Context(), sess.ID, map[string]any{
		models.StateKeyBotPaused:      true,
		models.StateKeyHumanRequested: true,
	})
	if err != nil {
		s.writeStateError(w, err, sess.ID)
		return
	}
	slog.Info("API paused session", "session", sess.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session paused", updated))
}

func (s *Server) resumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	updated, err := s.store.SetState(r.Context(), sess.ID, map[string]any{
		models.StateKeyBotPaused:      false,
		models.StateKeyHumanRequested: false,
	})
	if err != nil {
		s.writeStateError(w, err, sess.ID)
		return
	}
	slog.Info("API resumed session", "session", sess.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session resumed", updated))
}

func (s *Server) writeStateError(w http.ResponseWriter, err error, sessionID string) {
	slog.Error("API failed to update session state", "error", err, "session", sessionID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
	case errors.Is(err, models.ErrConcurrencyConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error("Concurrent update, retry"))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update session"))
	}
}

func (s *Server) getTestModeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"enabled": s.guard.Enabled(),
	}))
}

// setTestModeHandler is the administrative entry point for reconfiguring the
// outbound guard at runtime.
func (s *Server) setTestModeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var cfg models.TestModeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		slog.Warn("API invalid test mode body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if cfg.Enabled && len(cfg.AllowList) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Test mode requires a non-empty allow list"))
		return
	}
	s.guard.SetTestMode(cfg.Enabled, cfg.AllowList)
	slog.Info("API reconfigured test mode", "enabled", cfg.Enabled, "allow_count", len(cfg.AllowList))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Test mode updated", map[string]any{
		"enabled": cfg.Enabled,
	}))
}
