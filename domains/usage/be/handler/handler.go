// Package handler exposes the usage domain over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/usage/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/httpapi"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

const (
	problemTypeAuth     = "https://zapagent.ai/problems/unauthorized"
	problemTypeInternal = "https://zapagent.ai/problems/internal-error"
)

// Handler wires the usage service to chi routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("usage service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the usage endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/me", h.me)
	return r
}

// AdminRoutes mounts the back-office usage lookup. The server wraps it in the
// admin role guard; the handler itself does not re-check the role.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{userID}", h.byUser)
	return r
}

type usageResponse struct {
	Plan          string  `json:"plan"`
	MessagesUsed  int64   `json:"messagesUsed"`
	MessageLimit  int64   `json:"messageLimit"`
	AgentsUsed    int     `json:"agentsUsed"`
	AgentLimit    int     `json:"agentLimit"`
	PercentUsed   float64 `json:"percentUsed"`
	LimitReached  bool    `json:"limitReached"`
	AgentCapacity bool    `json:"agentCapacity"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	report, err := h.svc.Report(ctx, audit)
	if err != nil {
		h.renderError(ctx, w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, usageResponse{
		Plan:          report.Plan,
		MessagesUsed:  report.MessagesUsed,
		MessageLimit:  report.MessageLimit,
		AgentsUsed:    report.AgentsUsed,
		AgentLimit:    report.AgentLimit,
		PercentUsed:   report.PercentUsed,
		LimitReached:  report.LimitReached,
		AgentCapacity: report.AgentCapacity,
	})
}

func (h *Handler) byUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	report, err := h.svc.ReportFor(ctx, userID)
	if err != nil {
		h.renderError(ctx, w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, usageResponse{
		Plan:          report.Plan,
		MessagesUsed:  report.MessagesUsed,
		MessageLimit:  report.MessageLimit,
		AgentsUsed:    report.AgentsUsed,
		AgentLimit:    report.AgentLimit,
		PercentUsed:   report.PercentUsed,
		LimitReached:  report.LimitReached,
		AgentCapacity: report.AgentCapacity,
	})
}

func (h *Handler) renderError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := h.loggerFrom(ctx)

	if errors.Is(err, service.ErrUnauthenticated) {
		logger.Warn("usage request rejected", zap.Error(err))
		httpapi.WriteProblem(w, httpapi.NewProblem("Authentication required", "a signed-in user is required", problemTypeAuth, http.StatusUnauthorized, nil))
		return
	}

	logger.Error("usage report failed", zap.Error(err))
	httpapi.WriteProblem(w, httpapi.NewProblem("Internal error", "the request could not be processed", problemTypeInternal, http.StatusInternalServerError, nil))
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
