package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zapagent-ai/zapagent-saas/domains/conversations/be/repo"
	"github.com/zapagent-ai/zapagent-saas/domains/conversations/be/service"
	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

type fixture struct {
	repo    *repo.MemoryRepository
	webhook http.Handler
	history http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	memory := repo.NewMemoryRepository()
	svc := service.New(memory, persistence.NewPayloadValidator(), zaptest.NewLogger(t))
	h := New(svc, zaptest.NewLogger(t))

	// Ingest is mounted the way the server wires the webhook router.
	webhook := chi.NewRouter()
	webhook.Post("/messages", h.Ingest)

	return &fixture{
		repo:    memory,
		webhook: webhook,
		history: h.Routes(),
	}
}

func (f *fixture) do(t *testing.T, router http.Handler, method, target, userID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	audit := requesttrace.Anonymous("req-test")
	if userID != "" {
		audit = requesttrace.AuditInfo{
			ActorKind: requesttrace.ActorKindUser,
			UserID:    &userID,
			RequestID: "req-test",
		}
	}
	req = req.WithContext(requesttrace.IntoContext(req.Context(), audit))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookIngest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	agentID := uuid.New()
	f.repo.SeedAgent(service.AgentRef{ID: agentID, UserID: "firebase-uid-1", Phone: "5511912345678"})

	body := []byte(`{"user_id":"firebase-uid-1","numero":"5511912345678","mensagem_usuario":"oi","resposta_bot":"olá!"}`)

	rec := f.do(t, f.webhook, http.MethodPost, "/messages", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status       string `json:"status"`
		AgentID      string `json:"agentId"`
		MessageCount int64  `json:"messageCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, agentID.String(), resp.AgentID)
	require.Equal(t, int64(1), resp.MessageCount)
	require.Equal(t, int64(1), f.repo.MessageCount(agentID))
}

func TestWebhookIngestInvalidPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, f.webhook, http.MethodPost, "/messages", "", []byte(`{"numero":"5511912345678"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestWebhookIngestUnknownAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	body := []byte(`{"user_id":"firebase-uid-1","numero":"5511912345678"}`)
	rec := f.do(t, f.webhook, http.MethodPost, "/messages", "", body)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	agentID := uuid.New()
	f.repo.SeedAgent(service.AgentRef{ID: agentID, UserID: "firebase-uid-1", Phone: "5511912345678"})

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf(`{"user_id":"firebase-uid-1","numero":"5511912345678","mensagem_usuario":"msg %d"}`, i))
		rec := f.do(t, f.webhook, http.MethodPost, "/messages", "", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, f.history, http.MethodGet, "/"+agentID.String()+"/messages?page=1&pageSize=2", "firebase-uid-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []struct {
			UserMessage string `json:"userMessage"`
		} `json:"messages"`
		TotalItems int `json:"totalItems"`
		TotalPages int `json:"totalPages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, 3, resp.TotalItems)
	require.Equal(t, 2, resp.TotalPages)
	// Newest first.
	require.Equal(t, "msg 2", resp.Messages[0].UserMessage)

	rec = f.do(t, f.history, http.MethodGet, "/"+agentID.String()+"/messages", "firebase-uid-2", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.history, http.MethodGet, "/"+agentID.String()+"/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, f.history, http.MethodGet, "/not-a-uuid/messages", "firebase-uid-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
