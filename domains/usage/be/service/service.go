// Package service derives usage figures from agent message counters and the
// user's reconciled subscription plan.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

// ErrUnauthenticated indicates the caller carries no user identity.
var ErrUnauthenticated = errors.New("authentication required")

// Plan names shared with billing.
const (
	PlanFree    = "free"
	PlanPro     = "pro"
	PlanPremium = "premium"
)

// PlanQuota holds the per-plan ceilings.
type PlanQuota struct {
	MessageLimit int64
	AgentLimit   int
}

// DefaultQuotas are the shipped plan ceilings. Unknown plans fall back to the
// free tier so a bad subscription row never unlocks unlimited usage.
var DefaultQuotas = map[string]PlanQuota{
	PlanFree:    {MessageLimit: 100, AgentLimit: 1},
	PlanPro:     {MessageLimit: 5000, AgentLimit: 3},
	PlanPremium: {MessageLimit: 20000, AgentLimit: 10},
}

// Totals aggregates a user's consumption across all of their agents.
type Totals struct {
	Messages int64
	Agents   int
}

// Repository abstracts plan lookup and counter aggregation.
type Repository interface {
	// Plan returns the user's active plan, or PlanFree when no subscription
	// row exists.
	Plan(ctx context.Context, userID string) (string, error)
	Totals(ctx context.Context, userID string) (Totals, error)
}

// Report is the usage snapshot served to the dashboard.
type Report struct {
	Plan          string
	MessagesUsed  int64
	MessageLimit  int64
	AgentsUsed    int
	AgentLimit    int
	PercentUsed   float64
	LimitReached  bool
	AgentCapacity bool
}

// Service computes usage reports.
type Service struct {
	repo   Repository
	quotas map[string]PlanQuota
	logger *zap.Logger
}

// New constructs the usage service. Passing nil quotas selects DefaultQuotas.
func New(repo Repository, quotas map[string]PlanQuota, logger *zap.Logger) *Service {
	if repo == nil {
		panic("usage repository is required")
	}
	if quotas == nil {
		quotas = DefaultQuotas
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, quotas: quotas, logger: logger}
}

// Report returns the caller's usage snapshot against their plan quota.
func (s *Service) Report(ctx context.Context, audit requesttrace.AuditInfo) (Report, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return Report{}, err
	}
	return s.ReportFor(ctx, userID)
}

// ReportFor computes the usage snapshot for an arbitrary user. Callers are
// responsible for authorization; the HTTP layer only exposes this behind the
// admin role.
func (s *Service) ReportFor(ctx context.Context, userID string) (Report, error) {
	if userID == "" {
		return Report{}, errors.New("user id is required")
	}

	plan, err := s.repo.Plan(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("resolve plan: %w", err)
	}

	quota, ok := s.quotas[plan]
	if !ok {
		s.logger.Warn("unknown plan, applying free quota",
			zap.String("user_id", userID),
			zap.String("plan", plan))
		plan = PlanFree
		quota = s.quotas[PlanFree]
	}

	totals, err := s.repo.Totals(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("aggregate usage: %w", err)
	}

	percent := 0.0
	if quota.MessageLimit > 0 {
		percent = float64(totals.Messages) / float64(quota.MessageLimit) * 100
		percent = math.Min(math.Round(percent*10)/10, 100)
	}

	return Report{
		Plan:          plan,
		MessagesUsed:  totals.Messages,
		MessageLimit:  quota.MessageLimit,
		AgentsUsed:    totals.Agents,
		AgentLimit:    quota.AgentLimit,
		PercentUsed:   percent,
		LimitReached:  totals.Messages >= quota.MessageLimit,
		AgentCapacity: totals.Agents < quota.AgentLimit,
	}, nil
}

func requireUser(audit requesttrace.AuditInfo) (string, error) {
	if audit.ActorKind != requesttrace.ActorKindUser || audit.UserID == nil || *audit.UserID == "" {
		return "", ErrUnauthenticated
	}
	return *audit.UserID, nil
}
