package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/conversations/be/service"
)

// MemoryRepository keeps agents and messages in process memory. Used by
// handler and service tests.
type MemoryRepository struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]service.AgentRef
	messages map[uuid.UUID][]service.Message
	counts   map[uuid.UUID]int64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents:   make(map[uuid.UUID]service.AgentRef),
		messages: make(map[uuid.UUID][]service.Message),
		counts:   make(map[uuid.UUID]int64),
	}
}

// SeedAgent registers an agent so webhook traffic can resolve it.
func (r *MemoryRepository) SeedAgent(agent service.AgentRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
}

// MessageCount reports the counter value for an agent.
func (r *MemoryRepository) MessageCount(agentID uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[agentID]
}

func (r *MemoryRepository) ResolveAgentByPhone(ctx context.Context, userID, phoneNumber string) (service.AgentRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, agent := range r.agents {
		if agent.UserID == userID && agent.Phone == phoneNumber {
			return agent, nil
		}
	}
	return service.AgentRef{}, service.ErrAgentNotFound
}

func (r *MemoryRepository) GetAgent(ctx context.Context, id uuid.UUID) (service.AgentRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return service.AgentRef{}, service.ErrAgentNotFound
	}
	return agent, nil
}

func (r *MemoryRepository) AppendMessage(ctx context.Context, agentID uuid.UUID, userMessage, botResponse *string) (service.Message, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return service.Message{}, 0, service.ErrAgentNotFound
	}

	msg := service.Message{
		ID:          uuid.New(),
		AgentID:     agentID,
		UserMessage: userMessage,
		BotResponse: botResponse,
		CreatedAt:   time.Now().UTC(),
	}
	r.messages[agentID] = append(r.messages[agentID], msg)
	r.counts[agentID]++

	return msg, r.counts[agentID], nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, agentID uuid.UUID, page, pageSize int) (service.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.messages[agentID]
	total := len(all)

	// Newest first, mirroring the SQL ordering.
	reversed := make([]service.Message, 0, total)
	for i := total - 1; i >= 0; i-- {
		reversed = append(reversed, all[i])
	}

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return service.MessagePage{
		Messages:   reversed[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

var _ service.Repository = (*MemoryRepository)(nil)
