// Package http exposes the trust engine to the hosting application over a
// local HTTP surface: status, validation, usage tracking, lockdown
// recovery and the support reset escape hatch. The shop business API is a
// separate service and not part of this surface.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "posguard/internal/errors"
	"posguard/internal/engine"
	"posguard/pkg/contracts/domain"
)

// Handler serves the local trust API.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewRouter returns the chi router for the trust API.
func NewRouter(eng *engine.Engine, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: eng, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Route("/api/trust", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/validate", h.validate)
		r.Post("/usage", h.trackUsage)
		r.Get("/recovery", h.recoveryChallenge)
		r.Post("/recovery", h.attemptRecovery)
		r.Post("/reset", h.reset)
	})
	return r
}

type statusResponse struct {
	Locked bool `json:"locked"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, statusResponse{Locked: h.engine.IsLocked(r.Context())})
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var record domain.LicenseRecord
	if err := render.DecodeJSON(r.Body, &record); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	report, err := h.engine.Validate(r.Context(), &record)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "validation failed",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.InternalWithError(err))
		return
	}
	render.JSON(w, r, report)
}

type usageRequest struct {
	Action   string            `json:"action"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) trackUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if req.Action == "" {
		render.Render(w, r, apierrors.New(http.StatusBadRequest, "MISSING_PARAMETER", "action is required"))
		return
	}

	result, err := h.engine.TrackUsage(r.Context(), req.Action, req.Metadata)
	if err != nil {
		render.Render(w, r, apierrors.InternalWithError(err))
		return
	}
	render.JSON(w, r, result)
}

type challengeResponse struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) recoveryChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.engine.RecoveryChallenge(r.Context())
	if err != nil {
		render.Render(w, r, apierrors.New(http.StatusNotFound, "NO_CHALLENGE", "no active recovery challenge"))
		return
	}
	// The expected answer hash stays server-side.
	render.JSON(w, r, challengeResponse{
		ID:        challenge.ID,
		Question:  challenge.Question,
		ExpiresAt: challenge.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

type recoveryRequest struct {
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"answer"`
}

func (h *Handler) attemptRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	result, err := h.engine.AttemptRecovery(r.Context(), req.ChallengeID, req.Answer)
	if err != nil {
		render.Render(w, r, apierrors.InternalWithError(err))
		return
	}
	render.JSON(w, r, result)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetSecurityState(r.Context()); err != nil {
		render.Render(w, r, apierrors.InternalWithError(err))
		return
	}
	render.NoContent(w, r)
}
