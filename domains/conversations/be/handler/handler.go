// Package handler exposes the conversations domain over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/conversations/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/httpapi"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

const (
	problemTypeValidation = "https://zapagent.ai/problems/validation-error"
	problemTypeAuth       = "https://zapagent.ai/problems/unauthorized"
	problemTypeForbidden  = "https://zapagent.ai/problems/forbidden"
	problemTypeNotFound   = "https://zapagent.ai/problems/not-found"
	problemTypeInternal   = "https://zapagent.ai/problems/internal-error"
)

type operation string

const (
	ingestOperation  operation = "ingestWebhookMessage"
	historyOperation operation = "listAgentMessages"
)

// maxWebhookBytes caps inbound webhook bodies.
const maxWebhookBytes = 1 << 20

// Handler wires the conversations service to chi routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("conversations service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the authenticated history endpoint. Meant to be composed
// under the /agents route group.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{agentID}/messages", h.ListMessages)
	return r
}

type ingestResponse struct {
	Status       string `json:"status"`
	AgentID      string `json:"agentId"`
	MessageID    string `json:"messageId"`
	MessageCount int64  `json:"messageCount"`
}

// Ingest receives one provider webhook message. Exported so the server can
// mount it on the unauthenticated webhook router.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		httpapi.WriteProblem(w, httpapi.NewProblem("Invalid request body", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	result, err := h.svc.Ingest(ctx, payload)
	if err != nil {
		h.renderError(ctx, w, err, ingestOperation)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, ingestResponse{
		Status:       "ok",
		AgentID:      result.AgentID.String(),
		MessageID:    result.MessageID.String(),
		MessageCount: result.MessageCount,
	})
}

type messageResponse struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	UserMessage *string   `json:"userMessage,omitempty"`
	BotResponse *string   `json:"botResponse,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type messagePageResponse struct {
	Messages   []messageResponse `json:"messages"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
}

// ListMessages serves one page of an agent's history. Exported so the server
// can compose it into the agents route group.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		httpapi.WriteProblem(w, httpapi.NewProblem("Invalid agent id", "agent id must be a UUID", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)

	result, err := h.svc.History(ctx, audit, agentID, page, pageSize)
	if err != nil {
		h.renderError(ctx, w, err, historyOperation)
		return
	}

	messages := make([]messageResponse, 0, len(result.Messages))
	for _, msg := range result.Messages {
		messages = append(messages, messageResponse{
			ID:          msg.ID.String(),
			AgentID:     msg.AgentID.String(),
			UserMessage: msg.UserMessage,
			BotResponse: msg.BotResponse,
			CreatedAt:   msg.CreatedAt,
		})
	}

	httpapi.WriteJSON(w, http.StatusOK, messagePageResponse{
		Messages:   messages,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func (h *Handler) renderError(ctx context.Context, w http.ResponseWriter, err error, op operation) {
	status, title, detail, problemType := classifyError(err)

	logger := h.loggerFrom(ctx)
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("conversations operation failed", append(fields, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("agent not found", append(fields, zap.Error(err))...)
	default:
		logger.Warn("conversations request rejected", append(fields, zap.Error(err))...)
	}

	httpapi.WriteProblem(w, httpapi.NewProblem(title, detail, problemType, status, nil))
}

func classifyError(err error) (status int, title, detail, problemType string) {
	var payloadErr *service.PayloadError
	switch {
	case errors.As(err, &payloadErr):
		return http.StatusBadRequest,
			"Invalid webhook payload",
			payloadErr.Error(),
			problemTypeValidation
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized,
			"Authentication required",
			"a signed-in user is required",
			problemTypeAuth
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden,
			"Forbidden",
			"agent belongs to another user",
			problemTypeForbidden
	case errors.Is(err, service.ErrAgentNotFound):
		return http.StatusNotFound,
			"Agent not found",
			"no agent matches the given identity",
			problemTypeNotFound
	default:
		return http.StatusInternalServerError,
			"Internal error",
			"the request could not be processed",
			problemTypeInternal
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
