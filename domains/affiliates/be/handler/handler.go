// Package handler exposes the affiliates domain over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/httpapi"
	platformlogging "github.com/zapagent-ai/zapagent-saas/platform/go/logging"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

const (
	problemTypeValidation = "https://zapagent.ai/problems/validation-error"
	problemTypeAuth       = "https://zapagent.ai/problems/unauthorized"
	problemTypeNotFound   = "https://zapagent.ai/problems/not-found"
	problemTypeConflict   = "https://zapagent.ai/problems/conflict"
	problemTypeInternal   = "https://zapagent.ai/problems/internal-error"
)

type operation string

const (
	joinOperation      operation = "joinAffiliateProgram"
	attributeOperation operation = "attributeReferral"
	summaryOperation   operation = "getAffiliateSummary"
)

// Handler wires the affiliates service to chi routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("affiliates service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the affiliates endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.join)
	r.Get("/me", h.summary)
	r.Post("/attribution", h.attribute)
	return r
}

type affiliateResponse struct {
	ID                string    `json:"id"`
	Code              string    `json:"code"`
	CommissionRateBps int       `json:"commissionRateBps"`
	BalanceCents      int64     `json:"balanceCents"`
	CreatedAt         time.Time `json:"createdAt"`
}

type referralResponse struct {
	ID              string    `json:"id"`
	ReferredUserID  string    `json:"referredUserId"`
	Plan            *string   `json:"plan,omitempty"`
	CommissionCents int64     `json:"commissionCents"`
	CreatedAt       time.Time `json:"createdAt"`
}

type summaryResponse struct {
	Affiliate affiliateResponse  `json:"affiliate"`
	Referrals []referralResponse `json:"referrals"`
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	affiliate, err := h.svc.Join(ctx, audit)
	if err != nil {
		h.renderError(ctx, w, err, joinOperation)
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, toAffiliateResponse(affiliate))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	summary, err := h.svc.Summary(ctx, audit)
	if err != nil {
		h.renderError(ctx, w, err, summaryOperation)
		return
	}

	referrals := make([]referralResponse, 0, len(summary.Referrals))
	for _, referral := range summary.Referrals {
		referrals = append(referrals, referralResponse{
			ID:              referral.ID.String(),
			ReferredUserID:  referral.ReferredUserID,
			Plan:            referral.Plan,
			CommissionCents: referral.CommissionCents,
			CreatedAt:       referral.CreatedAt,
		})
	}

	httpapi.WriteJSON(w, http.StatusOK, summaryResponse{
		Affiliate: toAffiliateResponse(summary.Affiliate),
		Referrals: referrals,
	})
}

type attributionRequest struct {
	Code string `json:"code"`
}

func (h *Handler) attribute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	audit := requesttrace.FromContextOrAnonymous(ctx)

	var body attributionRequest
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		httpapi.WriteProblem(w, httpapi.NewProblem("Invalid request body", err.Error(), problemTypeValidation, http.StatusBadRequest, nil))
		return
	}

	referral, err := h.svc.Attribute(ctx, audit, body.Code)
	if err != nil {
		h.renderError(ctx, w, err, attributeOperation)
		return
	}

	httpapi.WriteJSON(w, http.StatusCreated, referralResponse{
		ID:              referral.ID.String(),
		ReferredUserID:  referral.ReferredUserID,
		Plan:            referral.Plan,
		CommissionCents: referral.CommissionCents,
		CreatedAt:       referral.CreatedAt,
	})
}

func toAffiliateResponse(affiliate service.Affiliate) affiliateResponse {
	return affiliateResponse{
		ID:                affiliate.ID.String(),
		Code:              affiliate.Code,
		CommissionRateBps: affiliate.CommissionRateBps,
		BalanceCents:      affiliate.BalanceCents,
		CreatedAt:         affiliate.CreatedAt,
	}
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
		logger.Error("affiliates operation failed", append(fields, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("affiliate lookup missed", append(fields, zap.Error(err))...)
	default:
		logger.Warn("affiliates request rejected", append(fields, zap.Error(err))...)
	}

	httpapi.WriteProblem(w, httpapi.NewProblem(title, detail, problemType, status, nil))
}

func classifyError(err error) (status int, title, detail, problemType string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized,
			"Authentication required",
			"a signed-in user is required",
			problemTypeAuth
	case errors.Is(err, service.ErrAlreadyEnrolled):
		return http.StatusConflict,
			"Already enrolled",
			"user already joined the affiliate program",
			problemTypeConflict
	case errors.Is(err, service.ErrNotEnrolled):
		return http.StatusNotFound,
			"Not enrolled",
			"user has not joined the affiliate program",
			problemTypeNotFound
	case errors.Is(err, service.ErrCodeNotFound):
		return http.StatusNotFound,
			"Referral code not found",
			"no affiliate owns the given code",
			problemTypeNotFound
	case errors.Is(err, service.ErrAlreadyReferred):
		return http.StatusConflict,
			"Already referred",
			"user is already attributed to an affiliate",
			problemTypeConflict
	case errors.Is(err, service.ErrSelfReferral):
		return http.StatusBadRequest,
			"Self referral",
			"own referral code cannot be redeemed",
			problemTypeValidation
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
