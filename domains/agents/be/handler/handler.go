// Package handler exposes the agents domain over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/provisioning"
	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/httpapi"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	"github.com/zapagent-ai/zapagent-saas/platform/go/phone"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
	"github.com/zapagent-ai/zapagent-saas/platform/go/storage"
)

const (
	problemTypeValidation = "https://zapagent.ai/problems/validation-error"
	problemTypeAuth       = "https://zapagent.ai/problems/unauthorized"
	problemTypeForbidden  = "https://zapagent.ai/problems/forbidden"
	problemTypeNotFound   = "https://zapagent.ai/problems/not-found"
	problemTypeConflict   = "https://zapagent.ai/problems/conflict"
	problemTypeUpstream   = "https://zapagent.ai/problems/upstream-error"
	problemTypeInternal   = "https://zapagent.ai/problems/internal-error"
)

type operation string

const (
	createOperation     operation = "createAgent"
	listOperation       operation = "listAgents"
	getOperation        operation = "getAgent"
	updateOperation     operation = "updateAgent"
	qrOperation         operation = "getAgentQR"
	attachmentOperation operation = "uploadAgentAttachment"
)

// maxAttachmentBytes caps training-material uploads.
const maxAttachmentBytes = 10 << 20

// OrchestratorFactory builds one orchestrator per submission.
type OrchestratorFactory func() *service.Orchestrator

// Handler wires the agents service to chi routes.
type Handler struct {
	svc             *service.Service
	newOrchestrator OrchestratorFactory
	messaging       provisioning.MessagingClient
	blobs           storage.BlobStore
	bucket          string
	logger          *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, factory OrchestratorFactory, messaging provisioning.MessagingClient, blobs storage.BlobStore, bucket string, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("agents service is required")
	}
	if factory == nil {
		panic("orchestrator factory is required")
	}
	if messaging == nil {
		panic("messaging client is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{
		svc:             svc,
		newOrchestrator: factory,
		messaging:       messaging,
		blobs:           blobs,
		bucket:          bucket,
		logger:          logger,
	}
}

// Routes mounts the agents endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.createAgent)
	r.Get("/", h.listAgents)
	r.Get("/{agentID}", h.getAgent)
	r.Patch("/{agentID}", h.updateAgent)
	r.Get("/{agentID}/qr", h.getAgentQR)
	r.Post("/{agentID}/attachments", h.uploadAttachment)
	return r
}

type agentResponse struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Name              string    `json:"name"`
	Description       *string   `json:"description,omitempty"`
	BusinessType      string    `json:"businessType"`
	PhoneNumber       string    `json:"phoneNumber"`
	DisplayPhone      string    `json:"displayPhone"`
	TrainingData      *string   `json:"trainingData,omitempty"`
	PersonalityPrompt *string   `json:"personalityPrompt,omitempty"`
	WhatsAppStatus    string    `json:"whatsappStatus"`
	IsActive          bool      `json:"isActive"`
	MessageCount      int64     `json:"messageCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type createAgentRequest struct {
	Name              string  `json:"name"`
	Description       *string `json:"description,omitempty"`
	BusinessType      string  `json:"businessType"`
	PhoneNumber       string  `json:"phoneNumber"`
	TrainingData      *string `json:"trainingData,omitempty"`
	PersonalityPrompt *string `json:"personalityPrompt,omitempty"`
}

type createAgentResponse struct {
	Agent     agentResponse `json:"agent"`
	QRCode    *string       `json:"qrcodeUrl,omitempty"`
	Connected bool          `json:"conectado"`
	QRPending bool          `json:"qrPending"`
	Msg       string        `json:"msg,omitempty"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	var body createAgentRequest
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid request body", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	orchestrator := h.newOrchestrator()
	result, err := orchestrator.Submit(ctx, audit, service.Draft{
		Name:              body.Name,
		Description:       body.Description,
		BusinessType:      body.BusinessType,
		PhoneNumber:       body.PhoneNumber,
		TrainingData:      body.TrainingData,
		PersonalityPrompt: body.PersonalityPrompt,
	})
	if err != nil {
		h.renderError(ctx, w, err, createOperation)
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, createAgentResponse{
		Agent:     toAPIAgent(result.Agent),
		QRCode:    result.QRCode,
		Connected: result.Connected,
		QRPending: result.QRPending,
		Msg:       result.Notice,
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	agents, err := h.svc.List(ctx, audit)
	if err != nil {
		h.renderError(ctx, w, err, listOperation)
		return
	}

	items := make([]agentResponse, 0, len(agents))
	for _, agent := range agents {
		items = append(items, toAPIAgent(agent))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	id, err := agentIDFromRequest(r)
	if err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid agent id", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	agent, err := h.svc.Get(ctx, audit, id)
	if err != nil {
		h.renderError(ctx, w, err, getOperation)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toAPIAgent(agent))
}

type updateAgentRequest struct {
	Description       *string `json:"description,omitempty"`
	TrainingData      *string `json:"trainingData,omitempty"`
	PersonalityPrompt *string `json:"personalityPrompt,omitempty"`
	IsActive          *bool   `json:"isActive,omitempty"`
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	id, err := agentIDFromRequest(r)
	if err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid agent id", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	var body updateAgentRequest
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid request body", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	agent, err := h.svc.Update(ctx, audit, id, service.UpdateInput{
		Description:       body.Description,
		TrainingData:      body.TrainingData,
		PersonalityPrompt: body.PersonalityPrompt,
		IsActive:          body.IsActive,
	})
	if err != nil {
		h.renderError(ctx, w, err, updateOperation)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, toAPIAgent(agent))
}

type qrStatusResponse struct {
	Connected bool    `json:"conectado"`
	QRCode    *string `json:"qr_code,omitempty"`
}

// getAgentQR proxies a live QR-status poll for an owned agent so the
// dashboard can recover a QR code after the creation flow degraded.
func (h *Handler) getAgentQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	id, err := agentIDFromRequest(r)
	if err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid agent id", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	agent, err := h.svc.Get(ctx, audit, id)
	if err != nil {
		h.renderError(ctx, w, err, qrOperation)
		return
	}

	status, err := h.messaging.QRStatus(ctx, agent.PhoneNumber)
	if err != nil {
		h.renderError(ctx, w, &service.RemoteProvisioningError{Message: err.Error()}, qrOperation)
		return
	}

	if status.Connected && agent.WhatsAppStatus != service.StatusConnected {
		if _, err := h.svc.RecordConnection(ctx, agent.PhoneNumber, service.StatusConnected); err != nil {
			h.loggerFrom(ctx).Warn("record connection failed", zap.Error(err))
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, qrStatusResponse{
		Connected: status.Connected,
		QRCode:    status.QRCode,
	})
}

type attachmentResponse struct {
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
}

// uploadAttachment stores raw training material for an owned agent.
func (h *Handler) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	if h.blobs == nil {
		h.writeProblem(w, httpapi.NewProblem("Attachments disabled", "no blob store configured", problemTypeInternal, http.StatusNotImplemented, nil))
		return
	}

	id, err := agentIDFromRequest(r)
	if err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid agent id", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	agent, err := h.svc.Get(ctx, audit, id)
	if err != nil {
		h.renderError(ctx, w, err, attachmentOperation)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = fmt.Sprintf("attachment-%d", time.Now().UnixNano())
	}

	loc, err := storage.ResolveObjectLocation(agent.UserID, agent.ID, h.bucket, name)
	if err != nil {
		h.writeProblem(w, httpapi.NewProblem("Invalid attachment name", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := h.blobs.Put(ctx, loc, contentType, http.MaxBytesReader(w, r.Body, maxAttachmentBytes)); err != nil {
		h.renderError(ctx, w, err, attachmentOperation)
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, attachmentResponse{
		Bucket: loc.Bucket,
		Path:   loc.FullPath,
	})
}

func toAPIAgent(agent service.Agent) agentResponse {
	return agentResponse{
		ID:                agent.ID.String(),
		UserID:            agent.UserID,
		Name:              agent.Name,
		Description:       agent.Description,
		BusinessType:      agent.BusinessType,
		PhoneNumber:       agent.PhoneNumber,
		DisplayPhone:      phone.FormatForDisplay(agent.PhoneNumber),
		TrainingData:      agent.TrainingData,
		PersonalityPrompt: agent.PersonalityPrompt,
		WhatsAppStatus:    agent.WhatsAppStatus,
		IsActive:          agent.IsActive,
		MessageCount:      agent.MessageCount,
		CreatedAt:         agent.CreatedAt,
		UpdatedAt:         agent.UpdatedAt,
	}
}

func agentIDFromRequest(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "agentID"))
}

func (h *Handler) renderError(ctx context.Context, w http.ResponseWriter, err error, op operation) {
	_, problem := h.problemForError(ctx, err, op)
	h.writeProblem(w, problem)
}

func (h *Handler) writeProblem(w http.ResponseWriter, problem httpapi.ProblemDetails) {
	httpapi.WriteProblem(w, problem)
}

func (h *Handler) problemForError(ctx context.Context, err error, op operation) (int, httpapi.ProblemDetails) {
	status, title, detail, problemType, fieldErrors := classifyError(err)

	logger := h.loggerFrom(ctx)
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("agents operation failed", append(fields, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("agent not found", append(fields, zap.Error(err))...)
	default:
		logger.Warn("agents request rejected", append(fields, zap.Error(err))...)
	}

	return status, httpapi.NewProblem(title, detail, problemType, status, fieldErrors)
}

func classifyError(err error) (status int, title, detail, problemType string, fieldErrors map[string][]string) {
	var validationErr *service.ValidationError
	var remoteErr *service.RemoteProvisioningError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest,
			"Validation failed",
			"one or more fields are invalid",
			problemTypeValidation,
			validationErr.Fields
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized,
			"Authentication required",
			"a signed-in user is required",
			problemTypeAuth,
			nil
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden,
			"Forbidden",
			"agent belongs to another user",
			problemTypeForbidden,
			nil
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound,
			"Resource not found",
			"agent not found",
			problemTypeNotFound,
			nil
	case errors.Is(err, service.ErrDuplicatePhone):
		return http.StatusConflict,
			"Conflict",
			"Este número já está vinculado a um agente.",
			problemTypeConflict,
			nil
	case errors.Is(err, service.ErrCreationInFlight):
		return http.StatusConflict,
			"Conflict",
			"agent creation already in progress",
			problemTypeConflict,
			nil
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway,
			"Provisioning failed",
			remoteErr.Error(),
			problemTypeUpstream,
			nil
	default:
		return http.StatusInternalServerError,
			"Internal server error",
			"an unexpected error occurred",
			problemTypeInternal,
			nil
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
