package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

type fakeRepo struct {
	byUser     map[string]Affiliate
	byCode     map[string]Affiliate
	referrals  map[uuid.UUID][]Referral
	referredBy map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byUser:     make(map[string]Affiliate),
		byCode:     make(map[string]Affiliate),
		referrals:  make(map[uuid.UUID][]Referral),
		referredBy: make(map[string]bool),
	}
}

func (r *fakeRepo) Create(ctx context.Context, userID, code string, commissionRateBps int) (Affiliate, error) {
	if _, ok := r.byUser[userID]; ok {
		return Affiliate{}, ErrAlreadyEnrolled
	}
	affiliate := Affiliate{
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

func (r *fakeRepo) GetByUser(ctx context.Context, userID string) (Affiliate, error) {
	affiliate, ok := r.byUser[userID]
	if !ok {
		return Affiliate{}, ErrNotEnrolled
	}
	return affiliate, nil
}

func (r *fakeRepo) GetByCode(ctx context.Context, code string) (Affiliate, error) {
	affiliate, ok := r.byCode[code]
	if !ok {
		return Affiliate{}, ErrCodeNotFound
	}
	return affiliate, nil
}

func (r *fakeRepo) AddReferral(ctx context.Context, affiliateID uuid.UUID, referredUserID string) (Referral, error) {
	if r.referredBy[referredUserID] {
		return Referral{}, ErrAlreadyReferred
	}
	referral := Referral{ID: uuid.New(), ReferredUserID: referredUserID, CreatedAt: time.Now().UTC()}
	r.referrals[affiliateID] = append(r.referrals[affiliateID], referral)
	r.referredBy[referredUserID] = true
	return referral, nil
}

func (r *fakeRepo) Referrals(ctx context.Context, affiliateID uuid.UUID) ([]Referral, error) {
	return r.referrals[affiliateID], nil
}

func userAudit(userID string) requesttrace.AuditInfo {
	return requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindUser,
		UserID:    &userID,
		RequestID: "req-test",
	}
}

var codePattern = regexp.MustCompile(`^ZAP-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)

func TestJoinGeneratesCode(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := New(repo, zaptest.NewLogger(t))

	affiliate, err := svc.Join(context.Background(), userAudit("firebase-uid-1"))
	require.NoError(t, err)
	require.Regexp(t, codePattern, affiliate.Code)
	require.Equal(t, 2000, affiliate.CommissionRateBps)

	_, err = svc.Join(context.Background(), userAudit("firebase-uid-1"))
	require.ErrorIs(t, err, ErrAlreadyEnrolled)

	_, err = svc.Join(context.Background(), requesttrace.Anonymous("req-1"))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAttribute(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := New(repo, zaptest.NewLogger(t))

	affiliate, err := svc.Join(context.Background(), userAudit("firebase-uid-1"))
	require.NoError(t, err)

	// Codes are matched case-insensitively and whitespace-tolerantly.
	referral, err := svc.Attribute(context.Background(), userAudit("firebase-uid-2"), "  "+affiliate.Code+" ")
	require.NoError(t, err)
	require.Equal(t, "firebase-uid-2", referral.ReferredUserID)

	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-2"), affiliate.Code)
	require.ErrorIs(t, err, ErrAlreadyReferred)

	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-1"), affiliate.Code)
	require.ErrorIs(t, err, ErrSelfReferral)

	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-3"), "ZAP-XXXXXX")
	require.ErrorIs(t, err, ErrCodeNotFound)

	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-3"), "  ")
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := New(repo, zaptest.NewLogger(t))

	affiliate, err := svc.Join(context.Background(), userAudit("firebase-uid-1"))
	require.NoError(t, err)

	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-2"), affiliate.Code)
	require.NoError(t, err)
	_, err = svc.Attribute(context.Background(), userAudit("firebase-uid-3"), affiliate.Code)
	require.NoError(t, err)

	summary, err := svc.Summary(context.Background(), userAudit("firebase-uid-1"))
	require.NoError(t, err)
	require.Equal(t, affiliate.Code, summary.Affiliate.Code)
	require.Len(t, summary.Referrals, 2)

	_, err = svc.Summary(context.Background(), userAudit("firebase-uid-9"))
	require.ErrorIs(t, err, ErrNotEnrolled)
}
