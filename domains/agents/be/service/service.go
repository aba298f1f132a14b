// Package service holds the agents domain model and the creation
// orchestrator that drives WhatsApp provisioning.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zapagent-ai/zapagent-saas/platform/go/phone"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

// Errors returned by the service layer.
var (
	ErrNotFound         = errors.New("agent not found")
	ErrDuplicatePhone   = errors.New("phone number already bound to an agent")
	ErrUnauthenticated  = errors.New("authenticated user required")
	ErrForbidden        = errors.New("agent belongs to another user")
	ErrCreationInFlight = errors.New("agent creation already in progress")
)

// FieldErrors maps a field name to its validation messages.
type FieldErrors map[string][]string

// ValidationError blocks a submission before any side effect occurs.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d invalid fields", len(e.Fields))
}

// RemoteProvisioningError carries the messaging provider's rejection message.
type RemoteProvisioningError struct {
	Message string
}

func (e *RemoteProvisioningError) Error() string {
	return fmt.Sprintf("Falha na API externa: %s", e.Message)
}

// ConnectionStatus values mirror agents.whatsapp_status.
const (
	StatusPending      = "pending"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Agent is the domain model for a provisioned WhatsApp agent.
type Agent struct {
	ID                uuid.UUID
	UserID            string
	Name              string
	Description       *string
	BusinessType      string
	PhoneNumber       string
	TrainingData      *string
	PersonalityPrompt *string
	WhatsAppStatus    string
	IsActive          bool
	MessageCount      int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DisplayPhone renders the stored digits-only number for presentation.
func (a Agent) DisplayPhone() string {
	return phone.FormatForDisplay(a.PhoneNumber)
}

// Draft is the unvalidated form input for a new agent.
type Draft struct {
	Name              string
	Description       *string
	BusinessType      string
	PhoneNumber       string
	TrainingData      *string
	PersonalityPrompt *string
}

// UpdateInput represents mutable fields of an agent. Nil leaves a field untouched.
type UpdateInput struct {
	Description       *string
	TrainingData      *string
	PersonalityPrompt *string
	IsActive          *bool
}

// Repository abstracts persistence.
type Repository interface {
	Create(ctx context.Context, a Agent) (Agent, error)
	Get(ctx context.Context, id uuid.UUID) (Agent, error)
	FindByPhone(ctx context.Context, phoneNumber string) (Agent, error)
	ListByOwner(ctx context.Context, userID string) ([]Agent, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Agent, error)
	UpdateConnectionStatus(ctx context.Context, phoneNumber, status string) (Agent, error)
}

// Service provides agent registry operations outside the creation workflow.
type Service struct {
	repo Repository
}

// New constructs a Service with required dependencies.
func New(repo Repository) *Service {
	if repo == nil {
		panic("agents repo is required")
	}
	return &Service{repo: repo}
}

// Get returns an agent owned by the audited user.
func (s *Service) Get(ctx context.Context, audit requesttrace.AuditInfo, id uuid.UUID) (Agent, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return Agent{}, err
	}

	agent, err := s.repo.Get(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if agent.UserID != userID {
		return Agent{}, ErrForbidden
	}
	return agent, nil
}

// List returns every agent owned by the audited user, newest first.
func (s *Service) List(ctx context.Context, audit requesttrace.AuditInfo) ([]Agent, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByOwner(ctx, userID)
}

// Update patches mutable agent fields after an ownership check.
func (s *Service) Update(ctx context.Context, audit requesttrace.AuditInfo, id uuid.UUID, input UpdateInput) (Agent, error) {
	if _, err := s.Get(ctx, audit, id); err != nil {
		return Agent{}, err
	}
	return s.repo.Update(ctx, id, input)
}

// RecordConnection stores the pairing state reported out-of-band by the
// messaging provider for a normalized phone number.
func (s *Service) RecordConnection(ctx context.Context, phoneNumber, status string) (Agent, error) {
	normalized := phone.Normalize(phoneNumber)
	if !phone.IsValid(normalized) {
		return Agent{}, &ValidationError{Fields: FieldErrors{
			"phone_number": {"must contain at least 10 digits"},
		}}
	}
	return s.repo.UpdateConnectionStatus(ctx, phone.Canonicalize(normalized, phone.DefaultCountryCode), status)
}

func requireUser(audit requesttrace.AuditInfo) (string, error) {
	if audit.ActorKind != requesttrace.ActorKindUser || audit.UserID == nil || *audit.UserID == "" {
		return "", ErrUnauthenticated
	}
	return *audit.UserID, nil
}

// validateDraft collects every violated constraint so the caller can surface
// them all at once. No side effect happens before this passes.
func validateDraft(draft Draft) (string, *ValidationError) {
	fields := FieldErrors{}

	if strings.TrimSpace(draft.Name) == "" {
		fields["name"] = append(fields["name"], "must not be empty")
	}
	if strings.TrimSpace(draft.BusinessType) == "" {
		fields["business_type"] = append(fields["business_type"], "must not be empty")
	}

	normalized := phone.Normalize(draft.PhoneNumber)
	if !phone.IsValid(normalized) {
		fields["phone_number"] = append(fields["phone_number"], "must contain at least 10 digits")
	}

	if len(fields) > 0 {
		return "", &ValidationError{Fields: fields}
	}
	return phone.Canonicalize(normalized, phone.DefaultCountryCode), nil
}
