// Package repo provides Repository implementations for the agents domain.
package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// PostgresRepository implements the agents repository over the shared
// persistence layer.
type PostgresRepository struct {
	store *persistence.AgentStore
}

// NewPostgresRepository constructs a repository backed by AgentStore.
func NewPostgresRepository(store *persistence.AgentStore) *PostgresRepository {
	if store == nil {
		panic("agent store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) Create(ctx context.Context, a service.Agent) (service.Agent, error) {
	rec, err := r.store.CreateAgent(ctx, persistence.CreateAgentParams{
		AgentID:           a.ID,
		UserID:            a.UserID,
		Name:              a.Name,
		Description:       a.Description,
		BusinessType:      a.BusinessType,
		PhoneNumber:       a.PhoneNumber,
		TrainingData:      a.TrainingData,
		PersonalityPrompt: a.PersonalityPrompt,
	})
	if err != nil {
		return service.Agent{}, mapStoreError(err)
	}
	return toServiceAgent(rec), nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (service.Agent, error) {
	rec, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return service.Agent{}, mapStoreError(err)
	}
	return toServiceAgent(rec), nil
}

func (r *PostgresRepository) FindByPhone(ctx context.Context, phoneNumber string) (service.Agent, error) {
	rec, err := r.store.GetAgentByPhone(ctx, phoneNumber)
	if err != nil {
		return service.Agent{}, mapStoreError(err)
	}
	return toServiceAgent(rec), nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, userID string) ([]service.Agent, error) {
	recs, err := r.store.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	agents := make([]service.Agent, 0, len(recs))
	for _, rec := range recs {
		agents = append(agents, toServiceAgent(rec))
	}
	return agents, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, input service.UpdateInput) (service.Agent, error) {
	rec, err := r.store.UpdateAgent(ctx, id, persistence.UpdateAgentParams{
		Description:       input.Description,
		TrainingData:      input.TrainingData,
		PersonalityPrompt: input.PersonalityPrompt,
		IsActive:          input.IsActive,
	})
	if err != nil {
		return service.Agent{}, mapStoreError(err)
	}
	return toServiceAgent(rec), nil
}

func (r *PostgresRepository) UpdateConnectionStatus(ctx context.Context, phoneNumber, status string) (service.Agent, error) {
	rec, err := r.store.UpdateWhatsAppStatus(ctx, phoneNumber, status)
	if err != nil {
		return service.Agent{}, mapStoreError(err)
	}
	return toServiceAgent(rec), nil
}

func toServiceAgent(rec persistence.Agent) service.Agent {
	return service.Agent{
		ID:                rec.AgentID,
		UserID:            rec.UserID,
		Name:              rec.Name,
		Description:       rec.Description,
		BusinessType:      rec.BusinessType,
		PhoneNumber:       rec.PhoneNumber,
		TrainingData:      rec.TrainingData,
		PersonalityPrompt: rec.PersonalityPrompt,
		WhatsAppStatus:    rec.WhatsAppStatus,
		IsActive:          rec.IsActive,
		MessageCount:      rec.MessageCount,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrAgentNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrAgentPhoneConflict):
		return service.ErrDuplicatePhone
	default:
		return err
	}
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)
