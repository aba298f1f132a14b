// Package service implements billing: Stripe checkout and portal proxies and
// the webhook reconciliation that mirrors subscription state locally.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime/types"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

// Plan names as stored in subscriptions.plan.
const (
	PlanFree    = "free"
	PlanPro     = "pro"
	PlanPremium = "premium"
)

// Errors returned by the service layer.
var (
	ErrUnknownPlan        = errors.New("unknown plan type")
	ErrUnknownPrice       = errors.New("price id is not mapped to a plan")
	ErrUnauthenticated    = errors.New("authenticated user required")
	ErrNoSubscription     = errors.New("no subscription on file")
	ErrSignatureInvalid   = errors.New("webhook signature verification failed")
	ErrMissingUserContext = errors.New("event carries no user reference")
	// ErrCommissionAlreadyAccrued reports a replayed accrual for a referred
	// user whose commission was credited earlier.
	ErrCommissionAlreadyAccrued = errors.New("referral commission already accrued")
)

// PlanPriceCents is the monthly price per paid plan, used for affiliate
// commission accrual. Values are BRL cents.
var PlanPriceCents = map[string]int64{
	PlanPro:     4990,
	PlanPremium: 9990,
}

// PriceTable maps country -> plan -> Stripe price ID. The table is static
// configuration; checkout picks from it, reconciliation inverts it.
type PriceTable map[string]map[string]string

// DefaultCountry is used when checkout does not carry a country.
const DefaultCountry = "BR"

// PriceFor resolves the Stripe price ID for a country and plan, falling back
// to the default country when the requested one has no table entry.
func (t PriceTable) PriceFor(country, plan string) (string, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		country = DefaultCountry
	}

	prices, ok := t[country]
	if !ok {
		prices = t[DefaultCountry]
	}
	priceID, ok := prices[plan]
	if !ok || priceID == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownPlan, country, plan)
	}
	return priceID, nil
}

// PlanForPrice inverts the table for webhook reconciliation.
func (t PriceTable) PlanForPrice(priceID string) (string, error) {
	for _, prices := range t {
		for plan, id := range prices {
			if id == priceID {
				return plan, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
}

// CheckoutInput is the checkout proxy request. Email is required only for
// guest checkout, where no authenticated user exists yet.
type CheckoutInput struct {
	PlanType      string
	Country       string
	GuestCheckout bool
	Email         types.Email
}

// CheckoutSessionParams is what the gateway needs to open a hosted session.
type CheckoutSessionParams struct {
	PriceID           string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
}

// Gateway abstracts the Stripe SDK calls.
type Gateway interface {
	NewCheckoutSession(ctx context.Context, params CheckoutSessionParams) (string, error)
	NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// SubscriptionEvent is the normalized form of a Stripe webhook event after
// signature verification.
type SubscriptionEvent struct {
	Type             string
	UserID           string
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	Status           string
	CurrentPeriodEnd *time.Time
}

// EventVerifier validates the webhook signature and extracts the event.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (SubscriptionEvent, error)
}

// Subscription mirrors the reconciled local state.
type Subscription struct {
	UserID           string
	CustomerID       *string
	SubscriptionID   *string
	Plan             string
	Status           string
	CurrentPeriodEnd *time.Time
}

// Repository abstracts persistence for reconciled subscriptions and the
// affiliate commission side effect.
type Repository interface {
	Upsert(ctx context.Context, sub Subscription) (Subscription, error)
	GetByUser(ctx context.Context, userID string) (Subscription, error)
	GetByCustomer(ctx context.Context, customerID string) (Subscription, error)
	// AccrueReferralCommission credits the referring affiliate at most once
	// per referred user. Stripe replays subscription events freely, so
	// implementations must return ErrCommissionAlreadyAccrued on every call
	// after the first instead of crediting again.
	AccrueReferralCommission(ctx context.Context, referredUserID, plan string, commissionCents int64) error
}

// URLs carries the redirect targets for hosted Stripe pages.
type URLs struct {
	CheckoutSuccess string
	CheckoutCancel  string
	PortalReturn    string
}

// Service provides billing operations.
type Service struct {
	gateway  Gateway
	verifier EventVerifier
	repo     Repository
	prices   PriceTable
	urls     URLs
	// commissionRateBps is the affiliate cut of the first reconciled paid
	// invoice, in basis points.
	commissionRateBps int64
	logger            *zap.Logger
}

// Config assembles a billing Service.
type Config struct {
	Gateway           Gateway
	Verifier          EventVerifier
	Repo              Repository
	Prices            PriceTable
	URLs              URLs
	CommissionRateBps int64
	Logger            *zap.Logger
}

// New constructs a Service with required dependencies.
func New(cfg Config) *Service {
	if cfg.Gateway == nil {
		panic("billing gateway is required")
	}
	if cfg.Verifier == nil {
		panic("event verifier is required")
	}
	if cfg.Repo == nil {
		panic("billing repo is required")
	}
	if len(cfg.Prices) == 0 {
		panic("price table is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rate := cfg.CommissionRateBps
	if rate <= 0 {
		rate = 2000
	}

	return &Service{
		gateway:           cfg.Gateway,
		verifier:          cfg.Verifier,
		repo:              cfg.Repo,
		prices:            cfg.Prices,
		urls:              cfg.URLs,
		commissionRateBps: rate,
		logger:            logger,
	}
}

// Checkout resolves the price for the requested plan and country and opens a
// hosted checkout session. Guests must supply an email; signed-in users are
// referenced so the webhook can attribute the subscription.
func (s *Service) Checkout(ctx context.Context, audit requesttrace.AuditInfo, input CheckoutInput) (string, error) {
	plan := strings.ToLower(strings.TrimSpace(input.PlanType))
	if plan != PlanPro && plan != PlanPremium {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, input.PlanType)
	}

	priceID, err := s.prices.PriceFor(input.Country, plan)
	if err != nil {
		return "", err
	}

	params := CheckoutSessionParams{
		PriceID:    priceID,
		SuccessURL: s.urls.CheckoutSuccess,
		CancelURL:  s.urls.CheckoutCancel,
	}

	if input.GuestCheckout {
		if input.Email == "" {
			return "", &FieldError{Field: "email", Message: "required for guest checkout"}
		}
		params.CustomerEmail = string(input.Email)
	} else {
		userID, err := requireUser(audit)
		if err != nil {
			return "", err
		}
		params.ClientReferenceID = userID
	}

	return s.gateway.NewCheckoutSession(ctx, params)
}

// Portal exchanges the authenticated user's reconciled customer ID for a
// billing-portal URL.
func (s *Service) Portal(ctx context.Context, audit requesttrace.AuditInfo) (string, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return "", err
	}

	sub, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub.CustomerID == nil || *sub.CustomerID == "" {
		return "", ErrNoSubscription
	}

	return s.gateway.NewPortalSession(ctx, *sub.CustomerID, s.urls.PortalReturn)
}

// HandleWebhook verifies, normalizes and reconciles a Stripe event. Unknown
// event types are acknowledged and skipped so Stripe stops retrying them.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.verifier.VerifyEvent(payload, signatureHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.reconcile(ctx, event, false)
	case "customer.subscription.deleted":
		return s.reconcile(ctx, event, true)
	default:
		s.logger.Debug("ignoring stripe event", zap.String("event_type", event.Type))
		return nil
	}
}

func (s *Service) reconcile(ctx context.Context, event SubscriptionEvent, canceled bool) error {
	userID := event.UserID
	if userID == "" {
		// Renewal events reference only the customer; resolve through the
		// previously reconciled row.
		if event.CustomerID == "" {
			return ErrMissingUserContext
		}
		existing, err := s.repo.GetByCustomer(ctx, event.CustomerID)
		if err != nil {
			return fmt.Errorf("resolve customer %s: %w", event.CustomerID, err)
		}
		userID = existing.UserID
	}

	plan := PlanFree
	status := "canceled"
	if !canceled {
		mapped, err := s.prices.PlanForPrice(event.PriceID)
		if err != nil {
			return err
		}
		plan = mapped
		status = event.Status
		if status == "" {
			status = "active"
		}
	}

	sub := Subscription{
		UserID:           userID,
		Plan:             plan,
		Status:           status,
		CurrentPeriodEnd: event.CurrentPeriodEnd,
	}
	if event.CustomerID != "" {
		sub.CustomerID = &event.CustomerID
	}
	if event.SubscriptionID != "" {
		sub.SubscriptionID = &event.SubscriptionID
	}

	if _, err := s.repo.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	s.logger.Info("subscription reconciled",
		zap.String("user_id", userID),
		zap.String("plan", plan),
		zap.String("status", status),
	)

	if !canceled && plan != PlanFree && status == "active" {
		s.accrueCommission(ctx, userID, plan)
	}
	return nil
}

// accrueCommission credits the referring affiliate when a referred user's
// paid plan becomes active. Failures are logged, never propagated: billing
// reconciliation must not be retried by Stripe because of affiliate errors.
func (s *Service) accrueCommission(ctx context.Context, userID, plan string) {
	price, ok := PlanPriceCents[plan]
	if !ok {
		return
	}
	commission := price * s.commissionRateBps / 10000

	if err := s.repo.AccrueReferralCommission(ctx, userID, plan, commission); err != nil {
		if errors.Is(err, ErrCommissionAlreadyAccrued) {
			s.logger.Debug("referral commission already accrued, skipping",
				zap.String("user_id", userID),
			)
			return
		}
		s.logger.Debug("no referral commission accrued",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// FieldError reports a single invalid request field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func requireUser(audit requesttrace.AuditInfo) (string, error) {
	if audit.ActorKind != requesttrace.ActorKindUser || audit.UserID == nil || *audit.UserID == "" {
		return "", ErrUnauthenticated
	}
	return *audit.UserID, nil
}
