package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/provisioning"
	"github.com/zapagent-ai/zapagent-saas/platform/go/metrics"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

// CreationState is the orchestrator's state machine. It is owned by one
// orchestrator instance per in-flight creation attempt and never persisted.
type CreationState string

const (
	StateIdle                = CreationState("idle")
	StateSaving              = CreationState("saving")
	StateCreatingRemoteAgent = CreationState("creating_remote_agent")
	StateAwaitingQR          = CreationState("awaiting_qr")
	StateSuccess             = CreationState("success")
	StateError               = CreationState("error")
)

const (
	defaultPollAttempts = 20
	defaultPollDelay    = 500 * time.Millisecond

	// defaultPersona guarantees the provider never receives an empty prompt.
	defaultPersona = "Você é um assistente virtual educado e prestativo. Responda as mensagens dos clientes de forma clara e objetiva."

	// qrPendingNotice is surfaced when polling exhausts without a QR code.
	qrPendingNotice = "QR Code pendente. Verifique o painel em instantes."

	defaultPlan = "free"
)

// CreationResult is the terminal outcome of a successful submission.
type CreationResult struct {
	Agent     Agent
	QRCode    *string
	Connected bool
	// QRPending marks the degraded path: provisioning was accepted but no QR
	// code arrived within the polling window. Notice carries the user-facing
	// text for that case.
	QRPending bool
	Notice    string
}

// OrchestratorConfig tunes the polling protocol. Zero values fall back to the
// production constants (20 attempts, 500ms constant delay).
type OrchestratorConfig struct {
	PollAttempts int
	PollDelay    time.Duration
}

// Orchestrator drives a single agent-provisioning attempt from validated
// draft to a terminal state. Submit is not re-entrant: a second call while
// one is in flight fails with ErrCreationInFlight instead of racing the
// state machine.
type Orchestrator struct {
	repo      Repository
	messaging provisioning.MessagingClient
	logger    *zap.Logger

	pollAttempts int
	pollDelay    time.Duration

	// wait suspends between poll attempts; injectable so tests do not sleep.
	wait func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     CreationState
	inFlight  bool
	lastError string
}

// NewOrchestrator builds an orchestrator around the repository and the
// messaging provider client.
func NewOrchestrator(repo Repository, messaging provisioning.MessagingClient, logger *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	if repo == nil {
		panic("agents repo is required")
	}
	if messaging == nil {
		panic("messaging client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	delay := cfg.PollDelay
	if delay <= 0 {
		delay = defaultPollDelay
	}

	return &Orchestrator{
		repo:         repo,
		messaging:    messaging,
		logger:       logger,
		pollAttempts: attempts,
		pollDelay:    delay,
		wait:         sleepCtx,
		state:        StateIdle,
	}
}

// State returns the current machine state.
func (o *Orchestrator) State() CreationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the stored human-readable message for the error state.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// Retry clears the error and returns to idle. Valid only from error; the
// caller must resubmit, nothing is re-triggered automatically.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateError {
		return errors.New("retry is only valid from the error state")
	}
	o.state = StateIdle
	o.lastError = ""
	return nil
}

// Reset returns to idle from any state unless a submission is in flight.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return ErrCreationInFlight
	}
	o.state = StateIdle
	o.lastError = ""
	return nil
}

// Submit runs the full provisioning workflow. Validation failures are
// returned before any transition or side effect. All later failures move the
// machine to the error state and are returned as typed errors.
func (o *Orchestrator) Submit(ctx context.Context, audit requesttrace.AuditInfo, draft Draft) (CreationResult, error) {
	userID, err := requireUser(audit)
	if err != nil {
		return CreationResult{}, err
	}

	normalizedPhone, validationErr := validateDraft(draft)
	if validationErr != nil {
		return CreationResult{}, validationErr
	}

	if err := o.begin(); err != nil {
		return CreationResult{}, err
	}
	defer o.end()

	started := time.Now()
	result, err := o.run(ctx, userID, auditPlan(audit), draft, normalizedPhone)
	metrics.ProvisioningDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		o.fail(err)
		return CreationResult{}, err
	}

	o.setState(StateSuccess)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, userID, plan string, draft Draft, normalizedPhone string) (CreationResult, error) {
	logger := o.logger.With(
		zap.String("user_id", userID),
		zap.String("phone_number", normalizedPhone),
	)

	o.setState(StateSaving)

	// Fast-path duplicate check. The unique constraint on the phone column is
	// the actual guarantee; this only saves a doomed round trip.
	if _, err := o.repo.FindByPhone(ctx, normalizedPhone); err == nil {
		metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return CreationResult{}, ErrDuplicatePhone
	} else if !errors.Is(err, ErrNotFound) {
		return CreationResult{}, err
	}

	agent, err := o.repo.Create(ctx, Agent{
		ID:                uuid.New(),
		UserID:            userID,
		Name:              draft.Name,
		Description:       draft.Description,
		BusinessType:      draft.BusinessType,
		PhoneNumber:       normalizedPhone,
		TrainingData:      draft.TrainingData,
		PersonalityPrompt: draft.PersonalityPrompt,
		WhatsAppStatus:    StatusPending,
		IsActive:          true,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicatePhone) {
			metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		}
		return CreationResult{}, err
	}

	o.setState(StateCreatingRemoteAgent)

	registration, err := o.messaging.RegisterAgent(ctx, provisioning.RegisterAgentRequest{
		UserID:    userID,
		Numero:    normalizedPhone,
		Nome:      draft.Name,
		Tipo:      draft.BusinessType,
		Descricao: deref(draft.Description),
		Prompt:    buildPrompt(draft),
		Plano:     plan,
	})
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return CreationResult{}, &RemoteProvisioningError{Message: err.Error()}
	}
	if !registration.Succeeded() {
		metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return CreationResult{}, &RemoteProvisioningError{Message: registration.FailureMessage()}
	}

	if registration.QRCodeURL != nil && *registration.QRCodeURL != "" {
		metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
		logger.Info("agent provisioned with immediate qr code", zap.String("agent_id", agent.ID.String()))
		return CreationResult{Agent: agent, QRCode: registration.QRCodeURL}, nil
	}

	o.setState(StateAwaitingQR)
	return o.pollForQR(ctx, logger, agent, normalizedPhone)
}

// pollForQR runs the fixed-attempt, constant-delay polling protocol. A poll
// attempt that errors is logged and skipped, it never aborts the loop.
// Exhausting every attempt is still a success, degraded to QR-pending, so the
// caller is never blocked on the provider's pairing latency.
func (o *Orchestrator) pollForQR(ctx context.Context, logger *zap.Logger, agent Agent, normalizedPhone string) (CreationResult, error) {
	for attempt := 1; attempt <= o.pollAttempts; attempt++ {
		metrics.QRPollAttempts.Inc()

		status, err := o.messaging.QRStatus(ctx, normalizedPhone)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return CreationResult{}, ctxErr
			}
			logger.Warn("qr status poll failed", zap.Int("attempt", attempt), zap.Error(err))
		case status.Connected:
			metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
			logger.Info("agent already connected", zap.Int("attempt", attempt))
			return CreationResult{Agent: agent, Connected: true}, nil
		case status.QRCode != nil && *status.QRCode != "":
			metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
			logger.Info("qr code received", zap.Int("attempt", attempt))
			return CreationResult{Agent: agent, QRCode: status.QRCode}, nil
		}

		if attempt < o.pollAttempts {
			if err := o.wait(ctx, o.pollDelay); err != nil {
				return CreationResult{}, err
			}
		}
	}

	metrics.ProvisioningTotal.WithLabelValues(metrics.OutcomeQRPending).Inc()
	logger.Info("qr polling exhausted", zap.Int("attempts", o.pollAttempts))
	return CreationResult{Agent: agent, QRPending: true, Notice: qrPendingNotice}, nil
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return ErrCreationInFlight
	}
	o.inFlight = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight = false
}

func (o *Orchestrator) setState(s CreationState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateError
	o.lastError = userMessage(err)
}

// userMessage maps workflow errors to the text surfaced to the caller. Raw
// technical errors are logged elsewhere, never shown except as a fallback.
func userMessage(err error) string {
	var remoteErr *RemoteProvisioningError
	switch {
	case errors.Is(err, ErrDuplicatePhone):
		return "Este número já está vinculado a um agente."
	case errors.As(err, &remoteErr):
		return remoteErr.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Operação cancelada."
	case err != nil:
		return "Erro desconhecido"
	default:
		return ""
	}
}

// buildPrompt prefers the personality prompt, then the training data, then
// the default persona so the provider never receives an empty prompt.
func buildPrompt(draft Draft) string {
	if draft.PersonalityPrompt != nil && *draft.PersonalityPrompt != "" {
		return *draft.PersonalityPrompt
	}
	if draft.TrainingData != nil && *draft.TrainingData != "" {
		return *draft.TrainingData
	}
	return defaultPersona
}

func auditPlan(audit requesttrace.AuditInfo) string {
	if audit.Plan != nil && *audit.Plan != "" {
		return *audit.Plan
	}
	return defaultPlan
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
