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

const AgentsTable = "agents"

// WhatsApp pairing states as stored in agents.whatsapp_status.
const (
	WhatsAppStatusPending      = "pending"
	WhatsAppStatusConnected    = "connected"
	WhatsAppStatusDisconnected = "disconnected"
)

// Agent represents a row in the agents table. PhoneNumber is stored normalized
// (digits only); the "+" prefix is a display concern.
type Agent struct {
	AgentID           uuid.UUID `db:"agent_id" json:"agentId"`
	UserID            string    `db:"user_id" json:"userId"`
	Name              string    `db:"name" json:"name"`
	Description       *string   `db:"description" json:"description,omitempty"`
	BusinessType      string    `db:"business_type" json:"businessType"`
	PhoneNumber       string    `db:"phone_number" json:"phoneNumber"`
	TrainingData      *string   `db:"training_data" json:"trainingData,omitempty"`
	PersonalityPrompt *string   `db:"personality_prompt" json:"personalityPrompt,omitempty"`
	WhatsAppStatus    string    `db:"whatsapp_status" json:"whatsappStatus"`
	IsActive          bool      `db:"is_active" json:"isActive"`
	MessageCount      int64     `db:"message_count" json:"messageCount"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

var (
	// ErrAgentNotFound indicates a missing agent record.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentPhoneConflict indicates the phone number is already bound to an
	// agent. Raised by the unique constraint, which is the real guarantee; the
	// service-level pre-check is only a fast path.
	ErrAgentPhoneConflict = errors.New("agent phone number conflict")
)

// AgentStore exposes persistence helpers for the agents table.
type AgentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore returns a store instance bound to the shared pool.
func NewAgentStore(ctx context.Context, pool *pgxpool.Pool) (*AgentStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	return &AgentStore{pool: pool}, nil
}

// CreateAgentParams captures the fields required to insert a new agent record.
type CreateAgentParams struct {
	AgentID           uuid.UUID
	UserID            string
	Name              string
	Description       *string
	BusinessType      string
	PhoneNumber       string
	TrainingData      *string
	PersonalityPrompt *string
}

const agentColumns = `agent_id, user_id, name, description, business_type, phone_number,
        training_data, personality_prompt, whatsapp_status, is_active, message_count,
        created_at, updated_at`

// CreateAgent inserts a new agent with whatsapp_status=pending and is_active=true
// and returns the persisted record.
func (s *AgentStore) CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error) {
	if params.AgentID == uuid.Nil {
		return Agent{}, errors.New("agent id is required")
	}
	if strings.TrimSpace(params.UserID) == "" {
		return Agent{}, errors.New("user id is required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (agent_id, user_id, name, description, business_type, phone_number,
                        training_data, personality_prompt)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING %s
    `, AgentsTable, agentColumns),
		params.AgentID,
		strings.TrimSpace(params.UserID),
		strings.TrimSpace(params.Name),
		params.Description,
		strings.TrimSpace(params.BusinessType),
		strings.TrimSpace(params.PhoneNumber),
		params.TrainingData,
		params.PersonalityPrompt,
	)

	agent, err := scanAgent(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Agent{}, ErrAgentPhoneConflict
		}
		return Agent{}, err
	}

	return agent, nil
}

// GetAgent returns an agent by id.
func (s *AgentStore) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE agent_id = $1
    `, agentColumns, AgentsTable), id)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return agent, nil
}

// GetAgentByPhone returns the agent bound to a normalized phone number.
func (s *AgentStore) GetAgentByPhone(ctx context.Context, phoneNumber string) (Agent, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE phone_number = $1
    `, agentColumns, AgentsTable), strings.TrimSpace(phoneNumber))

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return agent, nil
}

// GetAgentByUserAndPhone resolves the owning agent for inbound webhook traffic.
func (s *AgentStore) GetAgentByUserAndPhone(ctx context.Context, userID, phoneNumber string) (Agent, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE user_id = $1 AND phone_number = $2
    `, agentColumns, AgentsTable), strings.TrimSpace(userID), strings.TrimSpace(phoneNumber))

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return agent, nil
}

// ListAgentsByUser returns every agent owned by the user, newest first.
func (s *AgentStore) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC
    `, agentColumns, AgentsTable), strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentParams captures the mutable fields of an agent. Nil means "leave as is".
type UpdateAgentParams struct {
	Description       *string
	TrainingData      *string
	PersonalityPrompt *string
	IsActive          *bool
}

// UpdateAgent patches mutable fields and bumps updated_at.
func (s *AgentStore) UpdateAgent(ctx context.Context, id uuid.UUID, params UpdateAgentParams) (Agent, error) {
	setParts := []string{"updated_at = now()"}
	args := []any{id}

	addSet := func(column string, value any) {
		args = append(args, value)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Description != nil {
		addSet("description", *params.Description)
	}
	if params.TrainingData != nil {
		addSet("training_data", *params.TrainingData)
	}
	if params.PersonalityPrompt != nil {
		addSet("personality_prompt", *params.PersonalityPrompt)
	}
	if params.IsActive != nil {
		addSet("is_active", *params.IsActive)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET %s WHERE agent_id = $1 RETURNING %s
    `, AgentsTable, strings.Join(setParts, ", "), agentColumns), args...)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return agent, nil
}

// UpdateWhatsAppStatus records the pairing state reported by the messaging provider.
func (s *AgentStore) UpdateWhatsAppStatus(ctx context.Context, phoneNumber, status string) (Agent, error) {
	switch status {
	case WhatsAppStatusPending, WhatsAppStatusConnected, WhatsAppStatusDisconnected:
	default:
		return Agent{}, fmt.Errorf("invalid whatsapp status %q", status)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET whatsapp_status = $2, updated_at = now()
        WHERE phone_number = $1
        RETURNING %s
    `, AgentsTable, agentColumns), strings.TrimSpace(phoneNumber), status)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return agent, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.AgentID,
		&a.UserID,
		&a.Name,
		&a.Description,
		&a.BusinessType,
		&a.PhoneNumber,
		&a.TrainingData,
		&a.PersonalityPrompt,
		&a.WhatsAppStatus,
		&a.IsActive,
		&a.MessageCount,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
