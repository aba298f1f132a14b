package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// PostgresRepository backs the affiliates service with the shared store.
type PostgresRepository struct {
	store *persistence.AffiliateStore
}

// NewPostgresRepository wires the repository over the shared store.
func NewPostgresRepository(store *persistence.AffiliateStore) (*PostgresRepository, error) {
	if store == nil {
		return nil, errors.New("affiliate store is required")
	}
	return &PostgresRepository{store: store}, nil
}

func (r *PostgresRepository) Create(ctx context.Context, userID, code string, commissionRateBps int) (service.Affiliate, error) {
	affiliate, err := r.store.CreateAffiliate(ctx, persistence.CreateAffiliateParams{
		AffiliateID:       uuid.New(),
		UserID:            userID,
		ReferralCode:      code,
		CommissionRateBps: commissionRateBps,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrAffiliateConflict) {
			// The unique violation does not say which constraint fired.
			// A membership row for the user means they enrolled already;
			// otherwise the generated code collided and the caller retries.
			if _, lookupErr := r.store.GetAffiliateByUser(ctx, userID); lookupErr == nil {
				return service.Affiliate{}, service.ErrAlreadyEnrolled
			}
			return service.Affiliate{}, err
		}
		return service.Affiliate{}, err
	}
	return toAffiliate(affiliate), nil
}

func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (service.Affiliate, error) {
	affiliate, err := r.store.GetAffiliateByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrAffiliateNotFound) {
			return service.Affiliate{}, service.ErrNotEnrolled
		}
		return service.Affiliate{}, err
	}
	return toAffiliate(affiliate), nil
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (service.Affiliate, error) {
	affiliate, err := r.store.GetAffiliateByCode(ctx, code)
	if err != nil {
		if errors.Is(err, persistence.ErrAffiliateNotFound) {
			return service.Affiliate{}, service.ErrCodeNotFound
		}
		return service.Affiliate{}, err
	}
	return toAffiliate(affiliate), nil
}

func (r *PostgresRepository) AddReferral(ctx context.Context, affiliateID uuid.UUID, referredUserID string) (service.Referral, error) {
	referral, err := r.store.CreateReferral(ctx, affiliateID, referredUserID)
	if err != nil {
		if errors.Is(err, persistence.ErrReferralConflict) {
			return service.Referral{}, service.ErrAlreadyReferred
		}
		return service.Referral{}, err
	}
	return toReferral(referral), nil
}

func (r *PostgresRepository) Referrals(ctx context.Context, affiliateID uuid.UUID) ([]service.Referral, error) {
	referrals, err := r.store.ListReferrals(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	result := make([]service.Referral, 0, len(referrals))
	for _, referral := range referrals {
		result = append(result, toReferral(referral))
	}
	return result, nil
}

func toAffiliate(affiliate persistence.Affiliate) service.Affiliate {
	return service.Affiliate{
		ID:                affiliate.AffiliateID,
		UserID:            affiliate.UserID,
		Code:              affiliate.ReferralCode,
		CommissionRateBps: affiliate.CommissionRateBps,
		BalanceCents:      affiliate.BalanceCents,
		CreatedAt:         affiliate.CreatedAt,
	}
}

func toReferral(referral persistence.Referral) service.Referral {
	return service.Referral{
		ID:              referral.ReferralID,
		ReferredUserID:  referral.ReferredUserID,
		Plan:            referral.Plan,
		CommissionCents: referral.CommissionCents,
		CreatedAt:       referral.CreatedAt,
	}
}

var _ service.Repository = (*PostgresRepository)(nil)
