package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAffiliateStoreProgramFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustTestPool(t)

	store, err := NewAffiliateStore(ctx, pool)
	require.NoError(t, err)

	affiliate, err := store.CreateAffiliate(ctx, CreateAffiliateParams{
		AffiliateID:       uuid.New(),
		UserID:            "firebase-uid-aff",
		ReferralCode:      "ZAP-A1B2C3",
		CommissionRateBps: 2000,
	})
	require.NoError(t, err)
	require.Zero(t, affiliate.BalanceCents)

	// One membership per user, one owner per code.
	_, err = store.CreateAffiliate(ctx, CreateAffiliateParams{
		AffiliateID:       uuid.New(),
		UserID:            "firebase-uid-aff",
		ReferralCode:      "ZAP-OTHER1",
		CommissionRateBps: 2000,
	})
	require.ErrorIs(t, err, ErrAffiliateConflict)

	byCode, err := store.GetAffiliateByCode(ctx, "ZAP-A1B2C3")
	require.NoError(t, err)
	require.Equal(t, affiliate.AffiliateID, byCode.AffiliateID)

	_, err = store.CreateReferral(ctx, affiliate.AffiliateID, "referred-uid-1")
	require.NoError(t, err)

	// A referred user cannot be attributed twice.
	_, err = store.CreateReferral(ctx, affiliate.AffiliateID, "referred-uid-1")
	require.ErrorIs(t, err, ErrReferralConflict)

	require.NoError(t, store.AccrueCommission(ctx, "referred-uid-1", "pro", 1180))

	// Replayed events credit nothing further.
	err = store.AccrueCommission(ctx, "referred-uid-1", "pro", 1180)
	require.ErrorIs(t, err, ErrCommissionAccrued)

	balance, err := store.GetAffiliateByUser(ctx, "firebase-uid-aff")
	require.NoError(t, err)
	require.Equal(t, int64(1180), balance.BalanceCents)

	referrals, err := store.ListReferrals(ctx, affiliate.AffiliateID)
	require.NoError(t, err)
	require.Len(t, referrals, 1)
	require.Equal(t, int64(1180), referrals[0].CommissionCents)

	err = store.AccrueCommission(ctx, "referred-uid-unknown", "pro", 1180)
	require.ErrorIs(t, err, ErrAffiliateNotFound)
}
