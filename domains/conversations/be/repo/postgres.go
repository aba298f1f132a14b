package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/domains/conversations/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// PostgresRepository backs the conversations service with the shared agent
// and message stores.
type PostgresRepository struct {
	agents   *persistence.AgentStore
	messages *persistence.MessageStore
}

// NewPostgresRepository wires the repository over the shared stores.
func NewPostgresRepository(agents *persistence.AgentStore, messages *persistence.MessageStore) (*PostgresRepository, error) {
	if agents == nil {
		return nil, errors.New("agent store is required")
	}
	if messages == nil {
		return nil, errors.New("message store is required")
	}
	return &PostgresRepository{agents: agents, messages: messages}, nil
}

func (r *PostgresRepository) ResolveAgentByPhone(ctx context.Context, userID, phoneNumber string) (service.AgentRef, error) {
	agent, err := r.agents.GetAgentByUserAndPhone(ctx, userID, phoneNumber)
	if err != nil {
		return service.AgentRef{}, mapAgentError(err)
	}
	return toAgentRef(agent), nil
}

func (r *PostgresRepository) GetAgent(ctx context.Context, id uuid.UUID) (service.AgentRef, error) {
	agent, err := r.agents.GetAgent(ctx, id)
	if err != nil {
		return service.AgentRef{}, mapAgentError(err)
	}
	return toAgentRef(agent), nil
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, agentID uuid.UUID, userMessage, botResponse *string) (service.Message, int64, error) {
	msg, count, err := r.messages.AppendMessage(ctx, persistence.AppendMessageParams{
		MessageID:   uuid.New(),
		AgentID:     agentID,
		UserMessage: userMessage,
		BotResponse: botResponse,
	})
	if err != nil {
		return service.Message{}, 0, mapAgentError(err)
	}
	return toMessage(msg), count, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, agentID uuid.UUID, page, pageSize int) (service.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	result, err := r.messages.ListMessages(ctx, persistence.ListMessagesParams{
		AgentID:  agentID,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return service.MessagePage{}, err
	}

	messages := make([]service.Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		messages = append(messages, toMessage(msg))
	}

	return service.MessagePage{
		Messages:   messages,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: result.TotalItems,
		TotalPages: (result.TotalItems + pageSize - 1) / pageSize,
	}, nil
}

func mapAgentError(err error) error {
	if errors.Is(err, persistence.ErrAgentNotFound) {
		return service.ErrAgentNotFound
	}
	return err
}

func toAgentRef(agent persistence.Agent) service.AgentRef {
	return service.AgentRef{
		ID:     agent.AgentID,
		UserID: agent.UserID,
		Phone:  agent.PhoneNumber,
	}
}

func toMessage(msg persistence.Message) service.Message {
	return service.Message{
		ID:          msg.MessageID,
		AgentID:     msg.AgentID,
		UserMessage: msg.UserMessage,
		BotResponse: msg.BotResponse,
		CreatedAt:   msg.CreatedAt,
	}
}

var _ service.Repository = (*PostgresRepository)(nil)
