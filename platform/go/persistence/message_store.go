package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const MessagesTable = "messages"

// Message represents one exchange on an agent's WhatsApp line. Either side of
// the exchange may be absent (e.g. an outbound-only notification).
type Message struct {
	MessageID   uuid.UUID `db:"message_id" json:"messageId"`
	AgentID     uuid.UUID `db:"agent_id" json:"agentId"`
	UserMessage *string   `db:"user_message" json:"userMessage,omitempty"`
	BotResponse *string   `db:"bot_response" json:"botResponse,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// MessageStore exposes persistence helpers for the messages table.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore returns a store instance bound to the shared pool.
func NewMessageStore(ctx context.Context, pool *pgxpool.Pool) (*MessageStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &MessageStore{pool: pool}, nil
}

// AppendMessageParams captures one inbound webhook exchange.
type AppendMessageParams struct {
	MessageID   uuid.UUID
	AgentID     uuid.UUID
	UserMessage *string
	BotResponse *string
}

// AppendMessage inserts the message row and increments the owning agent's
// message counter in the same transaction, returning the new counter value.
func (s *MessageStore) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, int64, error) {
	if params.MessageID == uuid.Nil {
		return Message{}, 0, errors.New("message id is required")
	}
	if params.AgentID == uuid.Nil {
		return Message{}, 0, errors.New("agent id is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Message{}, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (message_id, agent_id, user_message, bot_response)
        VALUES ($1, $2, $3, $4)
        RETURNING message_id, agent_id, user_message, bot_response, created_at
    `, MessagesTable),
		params.MessageID,
		params.AgentID,
		params.UserMessage,
		params.BotResponse,
	)

	var msg Message
	if err := row.Scan(&msg.MessageID, &msg.AgentID, &msg.UserMessage, &msg.BotResponse, &msg.CreatedAt); err != nil {
		return Message{}, 0, err
	}

	var count int64
	if err := tx.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET message_count = message_count + 1, updated_at = now()
        WHERE agent_id = $1
        RETURNING message_count
    `, AgentsTable), params.AgentID).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, 0, ErrAgentNotFound
		}
		return Message{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, 0, fmt.Errorf("commit append message: %w", err)
	}

	return msg, count, nil
}

// ListMessagesParams captures pagination for ListMessages.
type ListMessagesParams struct {
	AgentID  uuid.UUID
	Page     int
	PageSize int
}

// ListMessagesResult includes the rows and the total count for pagination metadata.
type ListMessagesResult struct {
	Messages   []Message
	TotalItems int
}

// ListMessages returns an agent's messages, newest first, with pagination.
func (s *MessageStore) ListMessages(ctx context.Context, params ListMessagesParams) (ListMessagesResult, error) {
	if params.AgentID == uuid.Nil {
		return ListMessagesResult{}, errors.New("agent id is required")
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 50
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}

	var total int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT COUNT(*) FROM %s WHERE agent_id = $1
    `, MessagesTable), params.AgentID).Scan(&total); err != nil {
		return ListMessagesResult{}, err
	}

	offset := (params.Page - 1) * params.PageSize
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT message_id, agent_id, user_message, bot_response, created_at
        FROM %s WHERE agent_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3
    `, MessagesTable), params.AgentID, params.PageSize, offset)
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	messages := make([]Message, 0, params.PageSize)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.MessageID, &msg.AgentID, &msg.UserMessage, &msg.BotResponse, &msg.CreatedAt); err != nil {
			return ListMessagesResult{}, err
		}
		messages = append(messages, msg)
	}

	return ListMessagesResult{Messages: messages, TotalItems: total}, rows.Err()
}
