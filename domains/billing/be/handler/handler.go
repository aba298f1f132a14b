// Package handler exposes billing over HTTP: checkout and portal proxies and
// the Stripe webhook endpoint.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime/types"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/billing/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/httpapi"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

const (
	problemTypeValidation = "https://zapagent.ai/problems/validation-error"
	problemTypeAuth       = "https://zapagent.ai/problems/unauthorized"
	problemTypeNotFound   = "https://zapagent.ai/problems/not-found"
	problemTypeUpstream   = "https://zapagent.ai/problems/upstream-error"
	problemTypeInternal   = "https://zapagent.ai/problems/internal-error"
)

// maxWebhookBytes caps the Stripe webhook payload size.
const maxWebhookBytes = 1 << 20

// Handler wires the billing service to chi routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("billing service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts checkout and portal endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/checkout", h.checkout)
	r.Post("/portal", h.portal)
	return r
}

type checkoutRequest struct {
	PlanType      string      `json:"planType"`
	Country       string      `json:"country,omitempty"`
	GuestCheckout bool        `json:"guestCheckout,omitempty"`
	Email         types.Email `json:"email,omitempty"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	var body checkoutRequest
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		httpapi.WriteProblem(w, httpapi.NewProblem("Invalid request body", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	url, err := h.svc.Checkout(ctx, audit, service.CheckoutInput{
		PlanType:      body.PlanType,
		Country:       body.Country,
		GuestCheckout: body.GuestCheckout,
		Email:         body.Email,
	})
	if err != nil {
		h.renderError(ctx, w, err, "checkout")
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, redirectResponse{URL: url})
}

func (h *Handler) portal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	url, err := h.svc.Portal(ctx, audit)
	if err != nil {
		h.renderError(ctx, w, err, "portal")
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// StripeWebhook receives Stripe subscription events. Exported so the server
// can mount it on the unauthenticated webhook router.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		httpapi.WriteProblem(w, httpapi.NewProblem("Invalid payload", "could not read request body", problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	if err := h.svc.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.renderError(ctx, w, err, "stripeWebhook")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) renderError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	status, title, detail, problemType := classifyError(err)

	logger := h.loggerFrom(ctx)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("billing operation failed", append(fields, zap.Error(err))...)
	} else {
		logger.Warn("billing request rejected", append(fields, zap.Error(err))...)
	}

	httpapi.WriteProblem(w, httpapi.NewProblem(title, detail, problemType, status, nil))
}

func classifyError(err error) (status int, title, detail, problemType string) {
	var fieldErr *service.FieldError
	switch {
	case errors.As(err, &fieldErr):
		return http.StatusBadRequest, "Validation failed", fieldErr.Error(), problemTypeValidation
	case errors.Is(err, service.ErrUnknownPlan):
		return http.StatusBadRequest, "Validation failed", "unknown plan type", problemTypeValidation
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required", "a signed-in user is required", problemTypeAuth
	case errors.Is(err, service.ErrNoSubscription):
		return http.StatusNotFound, "No subscription", "no subscription on file for this user", problemTypeNotFound
	case errors.Is(err, service.ErrSignatureInvalid):
		return http.StatusBadRequest, "Invalid signature", "webhook signature verification failed", problemTypeValidation
	case errors.Is(err, service.ErrUnknownPrice), errors.Is(err, service.ErrMissingUserContext):
		return http.StatusUnprocessableEntity, "Unprocessable event", "event could not be reconciled", problemTypeUpstream
	default:
		return http.StatusInternalServerError, "Internal server error", "an unexpected error occurred", problemTypeInternal
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
