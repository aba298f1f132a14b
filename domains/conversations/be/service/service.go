package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/platform/go/metrics"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
	"github.com/zapagent-ai/zapagent-saas/platform/go/phone"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

var (
	// ErrAgentNotFound indicates no agent matches the (user, phone) pair or id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrForbidden indicates the agent belongs to another user.
	ErrForbidden = errors.New("agent belongs to another user")
	// ErrUnauthenticated indicates the caller carries no user identity.
	ErrUnauthenticated = errors.New("authentication required")
)

// schemaInboundMessage is the registry name for the webhook payload schema.
const schemaInboundMessage = "inbound-message"

// inboundMessageSchema validates the provider's webhook payload shape. Extra
// fields are tolerated since the provider versions its payloads additively.
const inboundMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user_id", "numero"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "numero": {"type": "string", "minLength": 1},
    "mensagem_usuario": {"type": ["string", "null"]},
    "resposta_bot": {"type": ["string", "null"]}
  }
}`

// PayloadError wraps a schema or decode failure on the inbound webhook body.
type PayloadError struct {
	Cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid webhook payload: %v", e.Cause)
}

func (e *PayloadError) Unwrap() error { return e.Cause }

// Message is one exchange on an agent's WhatsApp line.
type Message struct {
	ID          uuid.UUID
	AgentID     uuid.UUID
	UserMessage *string
	BotResponse *string
	CreatedAt   time.Time
}

// AgentRef is the slice of agent state conversations care about.
type AgentRef struct {
	ID     uuid.UUID
	UserID string
	Phone  string
}

// MessagePage is one page of an agent's history, newest first.
type MessagePage struct {
	Messages   []Message
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// IngestResult reports where an inbound message landed.
type IngestResult struct {
	AgentID      uuid.UUID
	MessageID    uuid.UUID
	MessageCount int64
}

// Repository abstracts agent resolution and message persistence.
type Repository interface {
	ResolveAgentByPhone(ctx context.Context, userID, phoneNumber string) (AgentRef, error)
	GetAgent(ctx context.Context, id uuid.UUID) (AgentRef, error)
	AppendMessage(ctx context.Context, agentID uuid.UUID, userMessage, botResponse *string) (Message, int64, error)
	ListMessages(ctx context.Context, agentID uuid.UUID, page, pageSize int) (MessagePage, error)
}

type inboundMessage struct {
	UserID      string  `json:"user_id"`
	Phone       string  `json:"numero"`
	UserMessage *string `json:"mensagem_usuario"`
	BotResponse *string `json:"resposta_bot"`
}

// Service ingests provider webhook messages and serves conversation history.
type Service struct {
	repo      Repository
	validator *persistence.PayloadValidator
	logger    *zap.Logger
}

// New constructs the conversations service and registers the webhook schema.
func New(repo Repository, validator *persistence.PayloadValidator, logger *zap.Logger) *Service {
	if repo == nil {
		panic("conversations repository is required")
	}
	if validator == nil {
		validator = persistence.NewPayloadValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator.Register(schemaInboundMessage, []byte(inboundMessageSchema))

	return &Service{repo: repo, validator: validator, logger: logger}
}

// Ingest validates a raw webhook payload, resolves the owning agent by
// (user, canonical phone) and appends the exchange to its history. The
// per-agent message counter moves in the same transaction as the insert.
func (s *Service) Ingest(ctx context.Context, payload []byte) (IngestResult, error) {
	if err := s.validator.Validate(ctx, schemaInboundMessage, payload); err != nil {
		metrics.WebhookMessagesTotal.WithLabelValues("invalid_payload").Inc()
		return IngestResult{}, &PayloadError{Cause: err}
	}

	var body inboundMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		metrics.WebhookMessagesTotal.WithLabelValues("invalid_payload").Inc()
		return IngestResult{}, &PayloadError{Cause: err}
	}

	normalized := phone.Normalize(body.Phone)
	if !phone.IsValid(normalized) {
		metrics.WebhookMessagesTotal.WithLabelValues("invalid_payload").Inc()
		return IngestResult{}, &PayloadError{Cause: fmt.Errorf("phone %q is not a valid number", body.Phone)}
	}
	canonical := phone.Canonicalize(normalized, phone.DefaultCountryCode)

	agent, err := s.repo.ResolveAgentByPhone(ctx, body.UserID, canonical)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			metrics.WebhookMessagesTotal.WithLabelValues("agent_not_found").Inc()
			s.logger.Info("webhook message for unknown agent",
				zap.String("user_id", body.UserID),
				zap.String("phone", canonical))
			return IngestResult{}, err
		}
		metrics.WebhookMessagesTotal.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("resolve agent: %w", err)
	}

	msg, count, err := s.repo.AppendMessage(ctx, agent.ID, body.UserMessage, body.BotResponse)
	if err != nil {
		metrics.WebhookMessagesTotal.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("append message: %w", err)
	}

	metrics.WebhookMessagesTotal.WithLabelValues("accepted").Inc()
	s.logger.Debug("webhook message stored",
		zap.String("agent_id", agent.ID.String()),
		zap.Int64("message_count", count))

	return IngestResult{AgentID: agent.ID, MessageID: msg.ID, MessageCount: count}, nil
}

// History returns one page of an agent's messages. Callers only see agents
// they own.
func (s *Service) History(ctx context.Context, audit requesttrace.AuditInfo, agentID uuid.UUID, page, pageSize int) (MessagePage, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return MessagePage{}, err
	}

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return MessagePage{}, err
	}
	if agent.UserID != userID {
		return MessagePage{}, ErrForbidden
	}

	return s.repo.ListMessages(ctx, agentID, page, pageSize)
}

func requireUser(audit requesttrace.AuditInfo) (string, error) {
	if audit.ActorKind != requesttrace.ActorKindUser || audit.UserID == nil || *audit.UserID == "" {
		return "", ErrUnauthenticated
	}
	return *audit.UserID, nil
}
