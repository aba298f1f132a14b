package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/service"
)

// MemoryRepository is a simple in-memory implementation suitable for tests
// and early development.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]service.Agent
	byPhone map[string]uuid.UUID
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[uuid.UUID]service.Agent),
		byPhone: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, a service.Agent) (service.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPhone[a.PhoneNumber]; exists {
		return service.Agent{}, service.ErrDuplicatePhone
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	r.byID[a.ID] = a
	r.byPhone[a.PhoneNumber] = a.ID
	return a, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (service.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return service.Agent{}, service.ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepository) FindByPhone(ctx context.Context, phoneNumber string) (service.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPhone[phoneNumber]
	if !ok {
		return service.Agent{}, service.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepository) ListByOwner(ctx context.Context, userID string) ([]service.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]service.Agent, 0)
	for _, a := range r.byID {
		if a.UserID == userID {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.After(agents[j].CreatedAt) })
	return agents, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id uuid.UUID, input service.UpdateInput) (service.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return service.Agent{}, service.ErrNotFound
	}

	if input.Description != nil {
		a.Description = input.Description
	}
	if input.TrainingData != nil {
		a.TrainingData = input.TrainingData
	}
	if input.PersonalityPrompt != nil {
		a.PersonalityPrompt = input.PersonalityPrompt
	}
	if input.IsActive != nil {
		a.IsActive = *input.IsActive
	}
	a.UpdatedAt = time.Now().UTC()

	r.byID[id] = a
	return a, nil
}

func (r *MemoryRepository) UpdateConnectionStatus(ctx context.Context, phoneNumber, status string) (service.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPhone[phoneNumber]
	if !ok {
		return service.Agent{}, service.ErrNotFound
	}

	a := r.byID[id]
	a.WhatsAppStatus = status
	a.UpdatedAt = time.Now().UTC()
	r.byID[id] = a
	return a, nil
}

// Ensure interface compliance.
var _ service.Repository = (*MemoryRepository)(nil)
