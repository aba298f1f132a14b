package repo

import (
	"context"
	"errors"

	"github.com/zapagent-ai/zapagent-saas/domains/usage/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// PostgresRepository aggregates usage from the shared agent and subscription
// stores.
type PostgresRepository struct {
	agents        *persistence.AgentStore
	subscriptions *persistence.SubscriptionStore
}

// NewPostgresRepository wires the repository over the shared stores.
func NewPostgresRepository(agents *persistence.AgentStore, subscriptions *persistence.SubscriptionStore) (*PostgresRepository, error) {
	if agents == nil {
		return nil, errors.New("agent store is required")
	}
	if subscriptions == nil {
		return nil, errors.New("subscription store is required")
	}
	return &PostgresRepository{agents: agents, subscriptions: subscriptions}, nil
}

// Plan resolves the user's plan from the reconciled subscription row. Users
// without a row, or with a non-active subscription, are on the free tier.
func (r *PostgresRepository) Plan(ctx context.Context, userID string) (string, error) {
	sub, err := r.subscriptions.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrSubscriptionNotFound) {
			return service.PlanFree, nil
		}
		return "", err
	}
	if sub.Status != "active" {
		return service.PlanFree, nil
	}
	return sub.Plan, nil
}

// Totals sums message counters and agent counts across the user's agents.
func (r *PostgresRepository) Totals(ctx context.Context, userID string) (service.Totals, error) {
	agents, err := r.agents.ListAgentsByUser(ctx, userID)
	if err != nil {
		return service.Totals{}, err
	}

	totals := service.Totals{Agents: len(agents)}
	for _, agent := range agents {
		totals.Messages += agent.MessageCount
	}
	return totals, nil
}

var _ service.Repository = (*PostgresRepository)(nil)
