package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/affiliates/be/service"
)

// MemoryRepository keeps the program state in process memory. Used by
// handler and service tests.
type MemoryRepository struct {
	mu         sync.Mutex
	byUser     map[string]service.Affiliate
	byCode     map[string]service.Affiliate
	referrals  map[uuid.UUID][]service.Referral
	referredBy map[string]uuid.UUID
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byUser:     make(map[string]service.Affiliate),
		byCode:     make(map[string]service.Affiliate),
		referrals:  make(map[uuid.UUID][]service.Referral),
		referredBy: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, userID, code string, commissionRateBps int) (service.Affiliate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[userID]; ok {
		return service.Affiliate{}, service.ErrAlreadyEnrolled
	}
	if _, ok := r.byCode[code]; ok {
		return service.Affiliate{}, service.ErrAlreadyEnrolled
	}

	affiliate := service.Affiliate{
		ID:                uuid.New(),
		UserID:            userID,
		Code:              code,
		CommissionRateBps: commissionRateBps,
		CreatedAt:         time.Now().UTC(),
	}
	r.byUser[userID] = affiliate
	r.byCode[code] = affiliate
	return affiliate, nil
}

func (r *MemoryRepository) GetByUser(ctx context.Context, userID string) (service.Affiliate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	affiliate, ok := r.byUser[userID]
	if !ok {
		return service.Affiliate{}, service.ErrNotEnrolled
	}
	return affiliate, nil
}

func (r *MemoryRepository) GetByCode(ctx context.Context, code string) (service.Affiliate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	affiliate, ok := r.byCode[code]
	if !ok {
		return service.Affiliate{}, service.ErrCodeNotFound
	}
	return affiliate, nil
}

func (r *MemoryRepository) AddReferral(ctx context.Context, affiliateID uuid.UUID, referredUserID string) (service.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.referredBy[referredUserID]; ok {
		return service.Referral{}, service.ErrAlreadyReferred
	}

	referral := service.Referral{
		ID:             uuid.New(),
		ReferredUserID: referredUserID,
		CreatedAt:      time.Now().UTC(),
	}
	r.referrals[affiliateID] = append(r.referrals[affiliateID], referral)
	r.referredBy[referredUserID] = affiliateID
	return referral, nil
}

func (r *MemoryRepository) Referrals(ctx context.Context, affiliateID uuid.UUID) ([]service.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]service.Referral(nil), r.referrals[affiliateID]...), nil
}

var _ service.Repository = (*MemoryRepository)(nil)
