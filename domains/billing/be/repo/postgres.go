// Package repo provides the billing Repository over the shared persistence layer.
package repo

import (
	"context"
	"errors"

	"github.com/zapagent-ai/zapagent-saas/domains/billing/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// PostgresRepository implements the billing repository.
type PostgresRepository struct {
	subscriptions *persistence.SubscriptionStore
	affiliates    *persistence.AffiliateStore
}

// NewPostgresRepository constructs a repository backed by the subscription
// and affiliate stores.
func NewPostgresRepository(subscriptions *persistence.SubscriptionStore, affiliates *persistence.AffiliateStore) *PostgresRepository {
	if subscriptions == nil {
		panic("subscription store is required")
	}
	if affiliates == nil {
		panic("affiliate store is required")
	}
	return &PostgresRepository{subscriptions: subscriptions, affiliates: affiliates}
}

func (r *PostgresRepository) Upsert(ctx context.Context, sub service.Subscription) (service.Subscription, error) {
	rec, err := r.subscriptions.UpsertSubscription(ctx, persistence.UpsertSubscriptionParams{
		UserID:               sub.UserID,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: sub.SubscriptionID,
		Plan:                 sub.Plan,
		Status:               sub.Status,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
	})
	if err != nil {
		return service.Subscription{}, err
	}
	return toServiceSubscription(rec), nil
}

func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (service.Subscription, error) {
	rec, err := r.subscriptions.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return service.Subscription{}, mapNotFound(err)
	}
	return toServiceSubscription(rec), nil
}

func (r *PostgresRepository) GetByCustomer(ctx context.Context, customerID string) (service.Subscription, error) {
	rec, err := r.subscriptions.GetSubscriptionByCustomer(ctx, customerID)
	if err != nil {
		return service.Subscription{}, mapNotFound(err)
	}
	return toServiceSubscription(rec), nil
}

func (r *PostgresRepository) AccrueReferralCommission(ctx context.Context, referredUserID, plan string, commissionCents int64) error {
	err := r.affiliates.AccrueCommission(ctx, referredUserID, plan, commissionCents)
	if errors.Is(err, persistence.ErrCommissionAccrued) {
		return service.ErrCommissionAlreadyAccrued
	}
	return err
}

func toServiceSubscription(rec persistence.Subscription) service.Subscription {
	return service.Subscription{
		UserID:           rec.UserID,
		CustomerID:       rec.StripeCustomerID,
		SubscriptionID:   rec.StripeSubscriptionID,
		Plan:             rec.Plan,
		Status:           rec.Status,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrSubscriptionNotFound) {
		return service.ErrNoSubscription
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)
