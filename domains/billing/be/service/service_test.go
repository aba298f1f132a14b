package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

type mockGateway struct {
	checkoutFn func(ctx context.Context, params CheckoutSessionParams) (string, error)
	portalFn   func(ctx context.Context, customerID, returnURL string) (string, error)
}

func (m *mockGateway) NewCheckoutSession(ctx context.Context, params CheckoutSessionParams) (string, error) {
	if m.checkoutFn == nil {
		panic("checkoutFn not configured")
	}
	return m.checkoutFn(ctx, params)
}

func (m *mockGateway) NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if m.portalFn == nil {
		panic("portalFn not configured")
	}
	return m.portalFn(ctx, customerID, returnURL)
}

type mockVerifier struct {
	event SubscriptionEvent
	err   error
}

func (m *mockVerifier) VerifyEvent(payload []byte, signatureHeader string) (SubscriptionEvent, error) {
	return m.event, m.err
}

type mockRepo struct {
	byUser     map[string]Subscription
	byCustomer map[string]Subscription

	upserts     []Subscription
	commissions []commission
}

type commission struct {
	userID string
	plan   string
	cents  int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		byUser:     make(map[string]Subscription),
		byCustomer: make(map[string]Subscription),
	}
}

func (m *mockRepo) Upsert(ctx context.Context, sub Subscription) (Subscription, error) {
	m.upserts = append(m.upserts, sub)
	m.byUser[sub.UserID] = sub
	if sub.CustomerID != nil {
		m.byCustomer[*sub.CustomerID] = sub
	}
	return sub, nil
}

func (m *mockRepo) GetByUser(ctx context.Context, userID string) (Subscription, error) {
	sub, ok := m.byUser[userID]
	if !ok {
		return Subscription{}, ErrNoSubscription
	}
	return sub, nil
}

func (m *mockRepo) GetByCustomer(ctx context.Context, customerID string) (Subscription, error) {
	sub, ok := m.byCustomer[customerID]
	if !ok {
		return Subscription{}, ErrNoSubscription
	}
	return sub, nil
}

func (m *mockRepo) AccrueReferralCommission(ctx context.Context, referredUserID, plan string, commissionCents int64) error {
	for _, c := range m.commissions {
		if c.userID == referredUserID {
			return ErrCommissionAlreadyAccrued
		}
	}
	m.commissions = append(m.commissions, commission{userID: referredUserID, plan: plan, cents: commissionCents})
	return nil
}

func testPrices() PriceTable {
	return PriceTable{
		"BR": {PlanPro: "price_br_pro", PlanPremium: "price_br_premium"},
		"US": {PlanPro: "price_us_pro", PlanPremium: "price_us_premium"},
	}
}

func newTestService(gateway *mockGateway, verifier *mockVerifier, repo *mockRepo) *Service {
	return New(Config{
		Gateway:  gateway,
		Verifier: verifier,
		Repo:     repo,
		Prices:   testPrices(),
		URLs: URLs{
			CheckoutSuccess: "https://zapagent.ai/success",
			CheckoutCancel:  "https://zapagent.ai/cancel",
			PortalReturn:    "https://zapagent.ai/dashboard",
		},
		CommissionRateBps: 2000,
	})
}

func userAudit(userID string) requesttrace.AuditInfo {
	return requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindUser,
		UserID:    &userID,
		RequestID: "req-test",
	}
}

func TestCheckoutPicksPriceByCountryAndPlan(t *testing.T) {
	t.Parallel()

	gateway := &mockGateway{}
	gateway.checkoutFn = func(ctx context.Context, params CheckoutSessionParams) (string, error) {
		require.Equal(t, "price_us_premium", params.PriceID)
		require.Equal(t, "uid-1", params.ClientReferenceID)
		require.Empty(t, params.CustomerEmail)
		return "https://checkout.stripe.test/session", nil
	}
	svc := newTestService(gateway, &mockVerifier{}, newMockRepo())

	url, err := svc.Checkout(context.Background(), userAudit("uid-1"), CheckoutInput{
		PlanType: "premium",
		Country:  "us",
	})
	require.NoError(t, err)
	require.Equal(t, "https://checkout.stripe.test/session", url)
}

func TestCheckoutFallsBackToDefaultCountry(t *testing.T) {
	t.Parallel()

	gateway := &mockGateway{}
	gateway.checkoutFn = func(ctx context.Context, params CheckoutSessionParams) (string, error) {
		require.Equal(t, "price_br_pro", params.PriceID)
		return "https://checkout.stripe.test/session", nil
	}
	svc := newTestService(gateway, &mockVerifier{}, newMockRepo())

	_, err := svc.Checkout(context.Background(), userAudit("uid-1"), CheckoutInput{
		PlanType: "pro",
		Country:  "AR",
	})
	require.NoError(t, err)
}

func TestCheckoutRejectsUnknownPlan(t *testing.T) {
	t.Parallel()

	svc := newTestService(&mockGateway{}, &mockVerifier{}, newMockRepo())

	_, err := svc.Checkout(context.Background(), userAudit("uid-1"), CheckoutInput{PlanType: "enterprise"})
	require.ErrorIs(t, err, ErrUnknownPlan)
}

func TestCheckoutGuestRequiresEmail(t *testing.T) {
	t.Parallel()

	gateway := &mockGateway{}
	gateway.checkoutFn = func(ctx context.Context, params CheckoutSessionParams) (string, error) {
		require.Equal(t, "guest@example.com", params.CustomerEmail)
		require.Empty(t, params.ClientReferenceID)
		return "https://checkout.stripe.test/session", nil
	}
	svc := newTestService(gateway, &mockVerifier{}, newMockRepo())

	_, err := svc.Checkout(context.Background(), requesttrace.Anonymous("req-1"), CheckoutInput{
		PlanType:      "pro",
		GuestCheckout: true,
	})
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "email", fieldErr.Field)

	_, err = svc.Checkout(context.Background(), requesttrace.Anonymous("req-1"), CheckoutInput{
		PlanType:      "pro",
		GuestCheckout: true,
		Email:         "guest@example.com",
	})
	require.NoError(t, err)
}

func TestCheckoutAuthenticatedRequiredWhenNotGuest(t *testing.T) {
	t.Parallel()

	svc := newTestService(&mockGateway{}, &mockVerifier{}, newMockRepo())

	_, err := svc.Checkout(context.Background(), requesttrace.Anonymous("req-1"), CheckoutInput{PlanType: "pro"})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPortalRequiresReconciledCustomer(t *testing.T) {
	t.Parallel()

	repo := newMockRepo()
	gateway := &mockGateway{}
	gateway.portalFn = func(ctx context.Context, customerID, returnURL string) (string, error) {
		require.Equal(t, "cus_123", customerID)
		require.Equal(t, "https://zapagent.ai/dashboard", returnURL)
		return "https://portal.stripe.test/session", nil
	}
	svc := newTestService(gateway, &mockVerifier{}, repo)

	_, err := svc.Portal(context.Background(), userAudit("uid-1"))
	require.ErrorIs(t, err, ErrNoSubscription)

	customerID := "cus_123"
	repo.byUser["uid-1"] = Subscription{UserID: "uid-1", CustomerID: &customerID, Plan: PlanPro}

	url, err := svc.Portal(context.Background(), userAudit("uid-1"))
	require.NoError(t, err)
	require.Equal(t, "https://portal.stripe.test/session", url)
}

func TestWebhookReconcilesSubscriptionAndAccruesCommission(t *testing.T) {
	t.Parallel()

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	verifier := &mockVerifier{event: SubscriptionEvent{
		Type:             "customer.subscription.created",
		UserID:           "uid-1",
		CustomerID:       "cus_123",
		SubscriptionID:   "sub_456",
		PriceID:          "price_br_pro",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
	}}
	repo := newMockRepo()
	svc := newTestService(&mockGateway{}, verifier, repo)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"))

	require.Len(t, repo.upserts, 1)
	sub := repo.upserts[0]
	require.Equal(t, "uid-1", sub.UserID)
	require.Equal(t, PlanPro, sub.Plan)
	require.Equal(t, "active", sub.Status)

	// 20% of R$49,90.
	require.Len(t, repo.commissions, 1)
	require.Equal(t, commission{userID: "uid-1", plan: PlanPro, cents: 998}, repo.commissions[0])
}

func TestWebhookReplayAccruesCommissionOnce(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{event: SubscriptionEvent{
		Type:           "customer.subscription.updated",
		UserID:         "uid-1",
		CustomerID:     "cus_123",
		SubscriptionID: "sub_456",
		PriceID:        "price_br_pro",
		Status:         "active",
	}}
	repo := newMockRepo()
	svc := newTestService(&mockGateway{}, verifier, repo)

	// Stripe resends subscription.updated on renewals and metadata edits.
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"))
	}

	require.Len(t, repo.upserts, 3)
	require.Len(t, repo.commissions, 1)
	require.Equal(t, commission{userID: "uid-1", plan: PlanPro, cents: 998}, repo.commissions[0])
}

func TestWebhookRenewalResolvesUserByCustomer(t *testing.T) {
	t.Parallel()

	repo := newMockRepo()
	customerID := "cus_123"
	repo.byCustomer["cus_123"] = Subscription{UserID: "uid-1", CustomerID: &customerID, Plan: PlanPro}

	verifier := &mockVerifier{event: SubscriptionEvent{
		Type:       "customer.subscription.updated",
		CustomerID: "cus_123",
		PriceID:    "price_br_premium",
		Status:     "active",
	}}
	svc := newTestService(&mockGateway{}, verifier, repo)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"))
	require.Equal(t, PlanPremium, repo.byUser["uid-1"].Plan)
}

func TestWebhookCancellationDowngradesToFree(t *testing.T) {
	t.Parallel()

	repo := newMockRepo()
	verifier := &mockVerifier{event: SubscriptionEvent{
		Type:       "customer.subscription.deleted",
		UserID:     "uid-1",
		CustomerID: "cus_123",
	}}
	svc := newTestService(&mockGateway{}, verifier, repo)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"))

	sub := repo.byUser["uid-1"]
	require.Equal(t, PlanFree, sub.Plan)
	require.Equal(t, "canceled", sub.Status)
	require.Empty(t, repo.commissions)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{err: errors.New("bad signature")}
	svc := newTestService(&mockGateway{}, verifier, newMockRepo())

	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig")
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWebhookIgnoresUnknownEventTypes(t *testing.T) {
	t.Parallel()

	repo := newMockRepo()
	verifier := &mockVerifier{event: SubscriptionEvent{Type: "invoice.paid"}}
	svc := newTestService(&mockGateway{}, verifier, repo)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{}`), "sig"))
	require.Empty(t, repo.upserts)
}

func TestWebhookUnknownPriceFails(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{event: SubscriptionEvent{
		Type:    "customer.subscription.created",
		UserID:  "uid-1",
		PriceID: "price_unmapped",
	}}
	svc := newTestService(&mockGateway{}, verifier, newMockRepo())

	err := svc.HandleWebhook(context.Background(), []byte(`{}`), "sig")
	require.ErrorIs(t, err, ErrUnknownPrice)
}
