// Package stripeclient implements the billing gateway and webhook verifier
// on top of the Stripe SDK.
package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/zapagent-ai/zapagent-saas/domains/billing/be/service"
)

// Client talks to Stripe. It implements both service.Gateway and
// service.EventVerifier.
type Client struct {
	webhookSecret string
}

// New configures the global Stripe key and returns a Client.
func New(apiKey, webhookSecret string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("stripe api key is required")
	}
	stripe.Key = apiKey
	return &Client{webhookSecret: webhookSecret}, nil
}

// NewCheckoutSession opens a hosted subscription checkout. The user reference
// is copied onto the subscription metadata so later subscription events can
// be attributed without another lookup.
func (c *Client) NewCheckoutSession(ctx context.Context, params service.CheckoutSessionParams) (string, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	sessionParams.Context = ctx

	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	if params.ClientReferenceID != "" {
		sessionParams.ClientReferenceID = stripe.String(params.ClientReferenceID)
		sessionParams.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": params.ClientReferenceID},
		}
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// NewPortalSession opens a billing portal session for an existing customer.
func (c *Client) NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// subscriptionPayload decodes the fields reconciliation needs from a
// customer.subscription.* event. Period end moved from the subscription to
// its items across Stripe API versions, so both locations are read.
type subscriptionPayload struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// VerifyEvent checks the webhook signature and normalizes the event for the
// billing service.
func (c *Client) VerifyEvent(payload []byte, signatureHeader string) (service.SubscriptionEvent, error) {
	if c.webhookSecret == "" {
		return service.SubscriptionEvent{}, errors.New("webhook secret is not configured")
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
	if err != nil {
		return service.SubscriptionEvent{}, err
	}

	normalized := service.SubscriptionEvent{Type: string(event.Type)}
	if len(event.Data.Raw) == 0 {
		return normalized, nil
	}

	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return service.SubscriptionEvent{}, fmt.Errorf("decode event object: %w", err)
	}

	normalized.SubscriptionID = sub.ID
	normalized.CustomerID = sub.Customer
	normalized.Status = sub.Status
	normalized.UserID = sub.Metadata["user_id"]

	periodEnd := sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		normalized.PriceID = sub.Items.Data[0].Price.ID
		if periodEnd == 0 {
			periodEnd = sub.Items.Data[0].CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		normalized.CurrentPeriodEnd = &t
	}

	return normalized, nil
}

var (
	_ service.Gateway       = (*Client)(nil)
	_ service.EventVerifier = (*Client)(nil)
)
