package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapagent-ai/zapagent-saas/domains/agents/be/provisioning"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

// inMemoryRepo is a minimal in-memory impl of Repository for tests.
type inMemoryRepo struct {
	mu      sync.Mutex
	data    map[uuid.UUID]Agent
	inserts int

	createErr error
}

func newInMemoryRepo() *inMemoryRepo {
	return &inMemoryRepo{data: make(map[uuid.UUID]Agent)}
}

func (r *inMemoryRepo) Create(ctx context.Context, a Agent) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return Agent{}, r.createErr
	}
	for _, existing := range r.data {
		if existing.PhoneNumber == a.PhoneNumber {
			return Agent{}, ErrDuplicatePhone
		}
	}
	r.inserts++
	r.data[a.ID] = a
	return a, nil
}

func (r *inMemoryRepo) Get(ctx context.Context, id uuid.UUID) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.data[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *inMemoryRepo) FindByPhone(ctx context.Context, phoneNumber string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.data {
		if a.PhoneNumber == phoneNumber {
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (r *inMemoryRepo) ListByOwner(ctx context.Context, userID string) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := make([]Agent, 0)
	for _, a := range r.data {
		if a.UserID == userID {
			agents = append(agents, a)
		}
	}
	return agents, nil
}

func (r *inMemoryRepo) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.data[id]
	if !ok {
		return Agent{}, ErrNotFound
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
	r.data[id] = a
	return a, nil
}

func (r *inMemoryRepo) UpdateConnectionStatus(ctx context.Context, phoneNumber, status string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.data {
		if a.PhoneNumber == phoneNumber {
			a.WhatsAppStatus = status
			r.data[id] = a
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (r *inMemoryRepo) insertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts
}

// stubMessaging records call order and answers from configurable functions.
type stubMessaging struct {
	mu            sync.Mutex
	registerCalls int
	qrCalls       int

	registerFn func(req provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error)
	qrFn       func(attempt int) (provisioning.QRStatusResult, error)
}

func (s *stubMessaging) RegisterAgent(ctx context.Context, req provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
	s.mu.Lock()
	s.registerCalls++
	s.mu.Unlock()
	if s.registerFn == nil {
		panic("registerFn not configured")
	}
	return s.registerFn(req)
}

func (s *stubMessaging) QRStatus(ctx context.Context, phoneNumber string) (provisioning.QRStatusResult, error) {
	s.mu.Lock()
	s.qrCalls++
	attempt := s.qrCalls
	s.mu.Unlock()
	if s.qrFn == nil {
		panic("qrFn not configured")
	}
	return s.qrFn(attempt)
}

func (s *stubMessaging) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerCalls, s.qrCalls
}

func registerSuccess(qrcodeURL string) func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
	return func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
		result := provisioning.RegisterAgentResult{Status: "success"}
		if qrcodeURL != "" {
			result.QRCodeURL = &qrcodeURL
		}
		return result, nil
	}
}

func userAudit(userID string) requesttrace.AuditInfo {
	return requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindUser,
		UserID:    &userID,
		RequestID: "req-test",
	}
}

func newTestOrchestrator(repo Repository, messaging provisioning.MessagingClient) *Orchestrator {
	o := NewOrchestrator(repo, messaging, nil, OrchestratorConfig{
		PollAttempts: 20,
		PollDelay:    time.Millisecond,
	})
	o.wait = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return o
}

func validDraft() Draft {
	return Draft{
		Name:         "Bot",
		BusinessType: "retail",
		PhoneNumber:  "(11) 91234-5678",
	}
}

func TestSubmitHappyPathWithImmediateQR(t *testing.T) {
	t.Parallel()

	repo := newInMemoryRepo()
	messaging := &stubMessaging{registerFn: registerSuccess("abc")}
	o := newTestOrchestrator(repo, messaging)

	result, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.Equal(t, StateSuccess, o.State())
	require.NotNil(t, result.QRCode)
	require.Equal(t, "abc", *result.QRCode)
	require.Equal(t, "5511912345678", result.Agent.PhoneNumber)
	require.Equal(t, StatusPending, result.Agent.WhatsAppStatus)
	require.True(t, result.Agent.IsActive)

	registers, polls := messaging.calls()
	require.Equal(t, 1, registers)
	require.Zero(t, polls)
	require.Equal(t, 1, repo.insertCount())
}

func TestSubmitShortPhoneNeverReachesSaving(t *testing.T) {
	t.Parallel()

	repo := newInMemoryRepo()
	messaging := &stubMessaging{registerFn: registerSuccess("abc")}
	o := newTestOrchestrator(repo, messaging)

	draft := validDraft()
	draft.PhoneNumber = "123-456"

	_, err := o.Submit(context.Background(), userAudit("uid-1"), draft)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields, "phone_number")

	// Validation failures never transition the machine or cause side effects.
	require.Equal(t, StateIdle, o.State())
	require.Zero(t, repo.insertCount())
	registers, polls := messaging.calls()
	require.Zero(t, registers)
	require.Zero(t, polls)
}

func TestSubmitRequiresAuthenticatedUser(t *testing.T) {
	t.Parallel()

	repo := newInMemoryRepo()
	messaging := &stubMessaging{registerFn: registerSuccess("abc")}
	o := newTestOrchestrator(repo, messaging)

	_, err := o.Submit(context.Background(), requesttrace.Anonymous("req-1"), validDraft())
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Zero(t, repo.insertCount())
}

func TestSubmitDuplicatePhoneBlocksInsertAndRemoteCall(t *testing.T) {
	t.Parallel()

	repo := newInMemoryRepo()
	_, err := repo.Create(context.Background(), Agent{
		ID:          uuid.New(),
		UserID:      "other-user",
		PhoneNumber: "5511912345678",
	})
	require.NoError(t, err)
	baseline := repo.insertCount()

	messaging := &stubMessaging{registerFn: registerSuccess("abc")}
	o := newTestOrchestrator(repo, messaging)

	_, err = o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.ErrorIs(t, err, ErrDuplicatePhone)
	require.Equal(t, StateError, o.State())

	require.Equal(t, baseline, repo.insertCount())
	registers, _ := messaging.calls()
	require.Zero(t, registers)
}

func TestSubmitInsertHappensExactlyOnceBeforeRemoteCall(t *testing.T) {
	t.Parallel()

	repo := newInMemoryRepo()
	messaging := &stubMessaging{}
	messaging.registerFn = func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
		// The insert must already be visible when the provider is called.
		require.Equal(t, 1, repo.insertCount())
		return provisioning.RegisterAgentResult{Status: "success", QRCodeURL: strPtr("abc")}, nil
	}
	o := newTestOrchestrator(repo, messaging)

	_, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.Equal(t, 1, repo.insertCount())
}

func TestSubmitPromptFallbackChain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		draft    func() Draft
		expected string
	}{
		{
			name: "personality prompt wins",
			draft: func() Draft {
				d := validDraft()
				d.PersonalityPrompt = strPtr("Seja formal.")
				d.TrainingData = strPtr("Catálogo de produtos.")
				return d
			},
			expected: "Seja formal.",
		},
		{
			name: "training data fallback",
			draft: func() Draft {
				d := validDraft()
				d.PersonalityPrompt = strPtr("")
				d.TrainingData = strPtr("Catálogo de produtos.")
				return d
			},
			expected: "Catálogo de produtos.",
		},
		{
			name:     "default persona when both empty",
			draft:    validDraft,
			expected: defaultPersona,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var sentPrompt string
			messaging := &stubMessaging{}
			messaging.registerFn = func(req provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
				sentPrompt = req.Prompt
				return provisioning.RegisterAgentResult{Status: "success", QRCodeURL: strPtr("abc")}, nil
			}
			o := newTestOrchestrator(newInMemoryRepo(), messaging)

			_, err := o.Submit(context.Background(), userAudit("uid-1"), tc.draft())
			require.NoError(t, err)
			require.Equal(t, tc.expected, sentPrompt)
		})
	}
}

func TestSubmitProviderErrorSurfacesMessage(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{}
	messaging.registerFn = func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
		errText := "limit reached"
		return provisioning.RegisterAgentResult{Status: "error", Error: &errText}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	_, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())

	var remoteErr *RemoteProvisioningError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "Falha na API externa: limit reached", remoteErr.Error())
	require.Equal(t, StateError, o.State())
	require.Equal(t, "Falha na API externa: limit reached", o.LastError())
}

func TestPollingStopsOnQRCodeAtAttemptSeven(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{registerFn: registerSuccess("")}
	messaging.qrFn = func(attempt int) (provisioning.QRStatusResult, error) {
		if attempt == 7 {
			return provisioning.QRStatusResult{QRCode: strPtr("data:image/png;base64,AAA")}, nil
		}
		return provisioning.QRStatusResult{}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	result, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.NotNil(t, result.QRCode)
	require.False(t, result.QRPending)

	_, polls := messaging.calls()
	require.Equal(t, 7, polls)
}

func TestPollingAlreadyConnectedIsSuccessWithoutQR(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{registerFn: registerSuccess("")}
	messaging.qrFn = func(attempt int) (provisioning.QRStatusResult, error) {
		if attempt == 3 {
			return provisioning.QRStatusResult{Connected: true}, nil
		}
		return provisioning.QRStatusResult{}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	result, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.True(t, result.Connected)
	require.Nil(t, result.QRCode)

	_, polls := messaging.calls()
	require.Equal(t, 3, polls)
}

func TestPollingExhaustionIsDegradedSuccessAfterExactlyTwenty(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{registerFn: registerSuccess("")}
	messaging.qrFn = func(int) (provisioning.QRStatusResult, error) {
		return provisioning.QRStatusResult{}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	result, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.Equal(t, StateSuccess, o.State())
	require.True(t, result.QRPending)
	require.Nil(t, result.QRCode)
	require.NotEmpty(t, result.Notice)

	_, polls := messaging.calls()
	require.Equal(t, 20, polls)
}

func TestPollingAttemptErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{registerFn: registerSuccess("")}
	messaging.qrFn = func(attempt int) (provisioning.QRStatusResult, error) {
		if attempt < 5 {
			return provisioning.QRStatusResult{}, errors.New("provider hiccup")
		}
		return provisioning.QRStatusResult{QRCode: strPtr("data:image/png;base64,AAA")}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	result, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.NotNil(t, result.QRCode)

	_, polls := messaging.calls()
	require.Equal(t, 5, polls)
}

func TestPollingStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	messaging := &stubMessaging{registerFn: registerSuccess("")}
	messaging.qrFn = func(attempt int) (provisioning.QRStatusResult, error) {
		if attempt == 2 {
			cancel()
		}
		return provisioning.QRStatusResult{}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	_, err := o.Submit(ctx, userAudit("uid-1"), validDraft())
	require.ErrorIs(t, err, context.Canceled)

	_, polls := messaging.calls()
	require.Equal(t, 2, polls)
}

func TestRetryOnlyValidFromError(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{}
	messaging.registerFn = func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
		return provisioning.RegisterAgentResult{}, errors.New("provider unreachable")
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	require.Error(t, o.Retry())

	_, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.Error(t, err)
	require.Equal(t, StateError, o.State())

	require.NoError(t, o.Retry())
	require.Equal(t, StateIdle, o.State())
	require.Empty(t, o.LastError())

	// Retry must not re-trigger any network calls on its own.
	registers, polls := messaging.calls()
	require.Equal(t, 1, registers)
	require.Zero(t, polls)
}

func TestResetReturnsToIdle(t *testing.T) {
	t.Parallel()

	messaging := &stubMessaging{registerFn: registerSuccess("abc")}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	_, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
	require.NoError(t, err)
	require.Equal(t, StateSuccess, o.State())

	require.NoError(t, o.Reset())
	require.Equal(t, StateIdle, o.State())
}

func TestSubmitIsNotReentrant(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	messaging := &stubMessaging{}
	messaging.registerFn = func(provisioning.RegisterAgentRequest) (provisioning.RegisterAgentResult, error) {
		close(started)
		<-release
		return provisioning.RegisterAgentResult{Status: "success", QRCodeURL: strPtr("abc")}, nil
	}
	o := newTestOrchestrator(newInMemoryRepo(), messaging)

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), userAudit("uid-1"), validDraft())
		done <- err
	}()

	<-started

	second := validDraft()
	second.PhoneNumber = "(21) 98888-7777"
	_, err := o.Submit(context.Background(), userAudit("uid-1"), second)
	require.ErrorIs(t, err, ErrCreationInFlight)

	close(release)
	require.NoError(t, <-done)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
