package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zapagent-ai/zapagent-saas/domains/billing/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

type stubGateway struct{}

func (stubGateway) NewCheckoutSession(ctx context.Context, params service.CheckoutSessionParams) (string, error) {
	return "https://checkout.stripe.test/" + params.PriceID, nil
}

func (stubGateway) NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://portal.stripe.test/" + customerID, nil
}

type stubVerifier struct {
	event service.SubscriptionEvent
	err   error
}

func (s stubVerifier) VerifyEvent(payload []byte, signatureHeader string) (service.SubscriptionEvent, error) {
	return s.event, s.err
}

type stubRepo struct {
	subs map[string]service.Subscription
}

func (s stubRepo) Upsert(ctx context.Context, sub service.Subscription) (service.Subscription, error) {
	s.subs[sub.UserID] = sub
	return sub, nil
}

func (s stubRepo) GetByUser(ctx context.Context, userID string) (service.Subscription, error) {
	sub, ok := s.subs[userID]
	if !ok {
		return service.Subscription{}, service.ErrNoSubscription
	}
	return sub, nil
}

func (s stubRepo) GetByCustomer(ctx context.Context, customerID string) (service.Subscription, error) {
	return service.Subscription{}, service.ErrNoSubscription
}

func (s stubRepo) AccrueReferralCommission(ctx context.Context, referredUserID, plan string, commissionCents int64) error {
	return nil
}

func newHandler(t *testing.T, verifier service.EventVerifier, repo service.Repository) *Handler {
	t.Helper()
	svc := service.New(service.Config{
		Gateway:  stubGateway{},
		Verifier: verifier,
		Repo:     repo,
		Prices: service.PriceTable{
			"BR": {service.PlanPro: "price_br_pro", service.PlanPremium: "price_br_premium"},
		},
		URLs: service.URLs{
			CheckoutSuccess: "https://zapagent.ai/success",
			CheckoutCancel:  "https://zapagent.ai/cancel",
			PortalReturn:    "https://zapagent.ai/dashboard",
		},
	})
	return New(svc, zaptest.NewLogger(t))
}

func doJSON(t *testing.T, h http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")

	audit := requesttrace.Anonymous("req-test")
	if userID != "" {
		audit = requesttrace.AuditInfo{
			ActorKind: requesttrace.ActorKindUser,
			UserID:    &userID,
			RequestID: "req-test",
		}
	}
	req = req.WithContext(requesttrace.IntoContext(req.Context(), audit))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCheckoutEndpoint(t *testing.T) {
	t.Parallel()

	h := newHandler(t, stubVerifier{}, stubRepo{subs: map[string]service.Subscription{}})
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/checkout", "uid-1", `{"planType":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://checkout.stripe.test/price_br_pro")

	rec = doJSON(t, router, http.MethodPost, "/checkout", "uid-1", `{"planType":"enterprise"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/checkout", "", `{"planType":"pro"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/checkout", "", `{"planType":"pro","guestCheckout":true,"email":"guest@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPortalEndpoint(t *testing.T) {
	t.Parallel()

	customerID := "cus_123"
	repo := stubRepo{subs: map[string]service.Subscription{
		"uid-1": {UserID: "uid-1", CustomerID: &customerID, Plan: service.PlanPro},
	}}
	h := newHandler(t, stubVerifier{}, repo)
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/portal", "uid-1", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://portal.stripe.test/cus_123")

	rec = doJSON(t, router, http.MethodPost, "/portal", "uid-unknown", ``)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhookEndpoint(t *testing.T) {
	t.Parallel()

	repo := stubRepo{subs: map[string]service.Subscription{}}
	verifier := stubVerifier{event: service.SubscriptionEvent{
		Type:       "customer.subscription.created",
		UserID:     "uid-1",
		CustomerID: "cus_123",
		PriceID:    "price_br_pro",
		Status:     "active",
	}}
	h := newHandler(t, verifier, repo)
	router := chi.NewRouter()
	router.Post("/stripe", h.StripeWebhook)

	rec := doJSON(t, router, http.MethodPost, "/stripe", "", `{"id":"evt_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, service.PlanPro, repo.subs["uid-1"].Plan)
}
