package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const SubscriptionsTable = "subscriptions"

// Subscription mirrors the reconciled Stripe subscription state for one user.
// Stripe remains the source of truth; this row exists so the dashboard and the
// usage limiter can read plan state without a Stripe round trip.
type Subscription struct {
	SubscriptionID       uuid.UUID  `db:"subscription_id" json:"subscriptionId"`
	UserID               string     `db:"user_id" json:"userId"`
	StripeCustomerID     *string    `db:"stripe_customer_id" json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID *string    `db:"stripe_subscription_id" json:"stripeSubscriptionId,omitempty"`
	Plan                 string     `db:"plan" json:"plan"`
	Status               string     `db:"status" json:"status"`
	CurrentPeriodEnd     *time.Time `db:"current_period_end" json:"currentPeriodEnd,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updatedAt"`
}

// ErrSubscriptionNotFound indicates no reconciled subscription row for the user.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionStore exposes persistence helpers for the subscriptions table.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore returns a store instance bound to the shared pool.
func NewSubscriptionStore(ctx context.Context, pool *pgxpool.Pool) (*SubscriptionStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &SubscriptionStore{pool: pool}, nil
}

const subscriptionColumns = `subscription_id, user_id, stripe_customer_id, stripe_subscription_id,
        plan, status, current_period_end, created_at, updated_at`

// UpsertSubscriptionParams carries the reconciled state from a Stripe event.
type UpsertSubscriptionParams struct {
	UserID               string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	Plan                 string
	Status               string
	CurrentPeriodEnd     *time.Time
}

// UpsertSubscription writes the reconciled state keyed by user_id.
func (s *SubscriptionStore) UpsertSubscription(ctx context.Context, params UpsertSubscriptionParams) (Subscription, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return Subscription{}, errors.New("user id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (subscription_id, user_id, stripe_customer_id, stripe_subscription_id,
                        plan, status, current_period_end)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            stripe_customer_id = EXCLUDED.stripe_customer_id,
            stripe_subscription_id = EXCLUDED.stripe_subscription_id,
            plan = EXCLUDED.plan,
            status = EXCLUDED.status,
            current_period_end = EXCLUDED.current_period_end,
            updated_at = now()
        RETURNING %s
    `, SubscriptionsTable, subscriptionColumns),
		uuid.New(),
		strings.TrimSpace(params.UserID),
		params.StripeCustomerID,
		params.StripeSubscriptionID,
		strings.TrimSpace(params.Plan),
		strings.TrimSpace(params.Status),
		params.CurrentPeriodEnd,
	)

	return scanSubscription(row)
}

// GetSubscriptionByUser returns the reconciled subscription for a user.
func (s *SubscriptionStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE user_id = $1
    `, subscriptionColumns, SubscriptionsTable), strings.TrimSpace(userID))

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrSubscriptionNotFound
		}
		return Subscription{}, err
	}
	return sub, nil
}

// GetSubscriptionByCustomer resolves the row from a Stripe customer id, used by
// the billing-portal handler.
func (s *SubscriptionStore) GetSubscriptionByCustomer(ctx context.Context, customerID string) (Subscription, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE stripe_customer_id = $1
    `, subscriptionColumns, SubscriptionsTable), strings.TrimSpace(customerID))

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrSubscriptionNotFound
		}
		return Subscription{}, err
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.SubscriptionID,
		&sub.UserID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.Plan,
		&sub.Status,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	return sub, err
}
