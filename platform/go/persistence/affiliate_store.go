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

const (
	AffiliatesTable = "affiliates"
	ReferralsTable  = "referrals"
)

// Affiliate represents one member of the referral program. Commission rate is
// stored in basis points to avoid float drift on money math.
type Affiliate struct {
	AffiliateID       uuid.UUID `db:"affiliate_id" json:"affiliateId"`
	UserID            string    `db:"user_id" json:"userId"`
	ReferralCode      string    `db:"referral_code" json:"referralCode"`
	CommissionRateBps int       `db:"commission_rate_bps" json:"commissionRateBps"`
	BalanceCents      int64     `db:"balance_cents" json:"balanceCents"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// Referral attributes one signed-up user to an affiliate.
type Referral struct {
	ReferralID      uuid.UUID `db:"referral_id" json:"referralId"`
	AffiliateID     uuid.UUID `db:"affiliate_id" json:"affiliateId"`
	ReferredUserID  string    `db:"referred_user_id" json:"referredUserId"`
	Plan            *string   `db:"plan" json:"plan,omitempty"`
	CommissionCents int64     `db:"commission_cents" json:"commissionCents"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

var (
	// ErrAffiliateNotFound indicates a missing affiliate record.
	ErrAffiliateNotFound = errors.New("affiliate not found")
	// ErrAffiliateConflict indicates the user already joined or the code is taken.
	ErrAffiliateConflict = errors.New("affiliate conflict")
	// ErrReferralConflict indicates the referred user is already attributed.
	ErrReferralConflict = errors.New("referral conflict")
	// ErrCommissionAccrued indicates the referral was already credited once.
	ErrCommissionAccrued = errors.New("commission already accrued")
)

// AffiliateStore exposes persistence helpers for the affiliate program tables.
type AffiliateStore struct {
	pool *pgxpool.Pool
}

// NewAffiliateStore returns a store instance bound to the shared pool.
func NewAffiliateStore(ctx context.Context, pool *pgxpool.Pool) (*AffiliateStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &AffiliateStore{pool: pool}, nil
}

const affiliateColumns = `affiliate_id, user_id, referral_code, commission_rate_bps, balance_cents, created_at`

// CreateAffiliateParams captures the fields required to join the program.
type CreateAffiliateParams struct {
	AffiliateID       uuid.UUID
	UserID            string
	ReferralCode      string
	CommissionRateBps int
}

// CreateAffiliate enrolls a user in the referral program.
func (s *AffiliateStore) CreateAffiliate(ctx context.Context, params CreateAffiliateParams) (Affiliate, error) {
	if params.AffiliateID == uuid.Nil {
		return Affiliate{}, errors.New("affiliate id is required")
	}
	if strings.TrimSpace(params.UserID) == "" {
		return Affiliate{}, errors.New("user id is required")
	}
	if strings.TrimSpace(params.ReferralCode) == "" {
		return Affiliate{}, errors.New("referral code is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (affiliate_id, user_id, referral_code, commission_rate_bps)
        VALUES ($1, $2, $3, $4)
        RETURNING %s
    `, AffiliatesTable, affiliateColumns),
		params.AffiliateID,
		strings.TrimSpace(params.UserID),
		strings.TrimSpace(params.ReferralCode),
		params.CommissionRateBps,
	)

	affiliate, err := scanAffiliate(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Affiliate{}, ErrAffiliateConflict
		}
		return Affiliate{}, err
	}
	return affiliate, nil
}

// GetAffiliateByUser returns the program membership for a user.
func (s *AffiliateStore) GetAffiliateByUser(ctx context.Context, userID string) (Affiliate, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE user_id = $1
    `, affiliateColumns, AffiliatesTable), strings.TrimSpace(userID))
	return scanAffiliateNotFound(row)
}

// GetAffiliateByCode resolves a referral code during signup attribution.
func (s *AffiliateStore) GetAffiliateByCode(ctx context.Context, code string) (Affiliate, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE referral_code = $1
    `, affiliateColumns, AffiliatesTable), strings.TrimSpace(code))
	return scanAffiliateNotFound(row)
}

// CreateReferral attributes a referred user to an affiliate.
func (s *AffiliateStore) CreateReferral(ctx context.Context, affiliateID uuid.UUID, referredUserID string) (Referral, error) {
	if affiliateID == uuid.Nil {
		return Referral{}, errors.New("affiliate id is required")
	}
	if strings.TrimSpace(referredUserID) == "" {
		return Referral{}, errors.New("referred user id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (referral_id, affiliate_id, referred_user_id)
        VALUES ($1, $2, $3)
        RETURNING referral_id, affiliate_id, referred_user_id, plan, commission_cents, created_at
    `, ReferralsTable), uuid.New(), affiliateID, strings.TrimSpace(referredUserID))

	var ref Referral
	err := row.Scan(&ref.ReferralID, &ref.AffiliateID, &ref.ReferredUserID, &ref.Plan, &ref.CommissionCents, &ref.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Referral{}, ErrReferralConflict
		}
		return Referral{}, err
	}
	return ref, nil
}

// AccrueCommission records a commission for a referred user's paid plan and
// credits the affiliate balance in the same transaction. A referral is
// credited at most once: Stripe replays subscription events on every renewal
// or metadata edit, so the update only matches rows that were never credited.
// Replays return ErrCommissionAccrued and leave the balance untouched.
func (s *AffiliateStore) AccrueCommission(ctx context.Context, referredUserID, plan string, commissionCents int64) error {
	if commissionCents <= 0 {
		return errors.New("commission must be positive")
	}
	referredUserID = strings.TrimSpace(referredUserID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var affiliateID uuid.UUID
	err = tx.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET plan = $2, commission_cents = $3
        WHERE referred_user_id = $1 AND commission_cents = 0
        RETURNING affiliate_id
    `, ReferralsTable), referredUserID, plan, commissionCents).Scan(&affiliateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Zero rows is either a replay or a user that was never referred.
			var exists bool
			if checkErr := s.pool.QueryRow(ctx, fmt.Sprintf(`
                SELECT EXISTS (SELECT 1 FROM %s WHERE referred_user_id = $1)
            `, ReferralsTable), referredUserID).Scan(&exists); checkErr != nil {
				return checkErr
			}
			if exists {
				return ErrCommissionAccrued
			}
			return ErrAffiliateNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET balance_cents = balance_cents + $2 WHERE affiliate_id = $1
    `, AffiliatesTable), affiliateID, commissionCents); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListReferrals returns every referral attributed to an affiliate, newest first.
func (s *AffiliateStore) ListReferrals(ctx context.Context, affiliateID uuid.UUID) ([]Referral, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT referral_id, affiliate_id, referred_user_id, plan, commission_cents, created_at
        FROM %s WHERE affiliate_id = $1 ORDER BY created_at DESC
    `, ReferralsTable), affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	referrals := make([]Referral, 0)
	for rows.Next() {
		var ref Referral
		if err := rows.Scan(&ref.ReferralID, &ref.AffiliateID, &ref.ReferredUserID, &ref.Plan, &ref.CommissionCents, &ref.CreatedAt); err != nil {
			return nil, err
		}
		referrals = append(referrals, ref)
	}
	return referrals, rows.Err()
}

func scanAffiliate(row pgx.Row) (Affiliate, error) {
	var a Affiliate
	err := row.Scan(&a.AffiliateID, &a.UserID, &a.ReferralCode, &a.CommissionRateBps, &a.BalanceCents, &a.CreatedAt)
	return a, err
}

func scanAffiliateNotFound(row pgx.Row) (Affiliate, error) {
	affiliate, err := scanAffiliate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Affiliate{}, ErrAffiliateNotFound
		}
		return Affiliate{}, err
	}
	return affiliate, nil
}
