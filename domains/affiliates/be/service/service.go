// Package service runs the referral program: enrollment, signup attribution
// and the balance summary. Commission accrual itself happens in billing when
// a referred subscription is reconciled.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

var (
	// ErrUnauthenticated indicates the caller carries no user identity.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrAlreadyEnrolled indicates the user already joined the program.
	ErrAlreadyEnrolled = errors.New("user is already an affiliate")
	// ErrNotEnrolled indicates the user has no program membership.
	ErrNotEnrolled = errors.New("user is not an affiliate")
	// ErrCodeNotFound indicates no affiliate owns the referral code.
	ErrCodeNotFound = errors.New("referral code not found")
	// ErrAlreadyReferred indicates the user is already attributed to an affiliate.
	ErrAlreadyReferred = errors.New("user is already referred")
	// ErrSelfReferral indicates a user tried to redeem their own code.
	ErrSelfReferral = errors.New("own referral code cannot be redeemed")
)

// defaultCommissionRateBps is the program-wide rate applied at enrollment.
const defaultCommissionRateBps = 2000

// codeAlphabet excludes ambiguous characters (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

// codeRetries bounds generation attempts when a fresh code collides.
const codeRetries = 5

// Affiliate is one program membership.
type Affiliate struct {
	ID                uuid.UUID
	UserID            string
	Code              string
	CommissionRateBps int
	BalanceCents      int64
	CreatedAt         time.Time
}

// Referral attributes a signed-up user to an affiliate.
type Referral struct {
	ID              uuid.UUID
	ReferredUserID  string
	Plan            *string
	CommissionCents int64
	CreatedAt       time.Time
}

// Summary is the affiliate dashboard payload.
type Summary struct {
	Affiliate Affiliate
	Referrals []Referral
}

// Repository abstracts program persistence.
type Repository interface {
	Create(ctx context.Context, userID, code string, commissionRateBps int) (Affiliate, error)
	GetByUser(ctx context.Context, userID string) (Affiliate, error)
	GetByCode(ctx context.Context, code string) (Affiliate, error)
	AddReferral(ctx context.Context, affiliateID uuid.UUID, referredUserID string) (Referral, error)
	Referrals(ctx context.Context, affiliateID uuid.UUID) ([]Referral, error)
}

// Service drives the referral program.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// New constructs the affiliates service.
func New(repo Repository, logger *zap.Logger) *Service {
	if repo == nil {
		panic("affiliates repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

// Join enrolls the caller in the program with a freshly generated code.
func (s *Service) Join(ctx context.Context, audit requesttrace.AuditInfo) (Affiliate, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return Affiliate{}, err
	}

	if _, err := s.repo.GetByUser(ctx, userID); err == nil {
		return Affiliate{}, ErrAlreadyEnrolled
	} else if !errors.Is(err, ErrNotEnrolled) {
		return Affiliate{}, fmt.Errorf("check enrollment: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := generateCode()
		if err != nil {
			return Affiliate{}, fmt.Errorf("generate referral code: %w", err)
		}

		affiliate, err := s.repo.Create(ctx, userID, code, defaultCommissionRateBps)
		if err == nil {
			s.logger.Info("affiliate enrolled",
				zap.String("user_id", userID),
				zap.String("code", code))
			return affiliate, nil
		}
		if errors.Is(err, ErrAlreadyEnrolled) {
			return Affiliate{}, ErrAlreadyEnrolled
		}
		lastErr = err
	}

	return Affiliate{}, fmt.Errorf("enroll affiliate: %w", lastErr)
}

// Attribute records that the caller signed up through an affiliate's code.
func (s *Service) Attribute(ctx context.Context, audit requesttrace.AuditInfo, code string) (Referral, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return Referral{}, err
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Referral{}, ErrCodeNotFound
	}

	affiliate, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return Referral{}, err
	}
	if affiliate.UserID == userID {
		return Referral{}, ErrSelfReferral
	}

	referral, err := s.repo.AddReferral(ctx, affiliate.ID, userID)
	if err != nil {
		return Referral{}, err
	}

	s.logger.Info("referral attributed",
		zap.String("code", code),
		zap.String("referred_user_id", userID))

	return referral, nil
}

// Summary returns the caller's membership with its referral history.
func (s *Service) Summary(ctx context.Context, audit requesttrace.AuditInfo) (Summary, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return Summary{}, err
	}

	affiliate, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	referrals, err := s.repo.Referrals(ctx, affiliate.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("list referrals: %w", err)
	}

	return Summary{Affiliate: affiliate, Referrals: referrals}, nil
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return "ZAP-" + string(buf), nil
}

func requireUser(audit requesttrace.AuditInfo) (string, error) {
	if audit.ActorKind != requesttrace.ActorKindUser || audit.UserID == nil || *audit.UserID == "" {
		return "", ErrUnauthenticated
	}
	return *audit.UserID, nil
}
