package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zapagent-ai/zapagent-saas/domains/usage/be/service"
	platformauth "github.com/zapagent-ai/zapagent-saas/platform/go/auth"
	"github.com/zapagent-ai/zapagent-saas/platform/go/requesttrace"
)

type stubRepo struct {
	plan   string
	totals service.Totals
}

func (s stubRepo) Plan(ctx context.Context, userID string) (string, error) {
	return s.plan, nil
}

func (s stubRepo) Totals(ctx context.Context, userID string) (service.Totals, error) {
	return s.totals, nil
}

func TestUsageMe(t *testing.T) {
	t.Parallel()

	svc := service.New(stubRepo{plan: service.PlanPro, totals: service.Totals{Messages: 250, Agents: 2}}, nil, zaptest.NewLogger(t))
	router := New(svc, zaptest.NewLogger(t)).Routes()

	userID := "firebase-uid-1"
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(requesttrace.IntoContext(req.Context(), requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindUser,
		UserID:    &userID,
		RequestID: "req-test",
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plan         string  `json:"plan"`
		MessagesUsed int64   `json:"messagesUsed"`
		MessageLimit int64   `json:"messageLimit"`
		PercentUsed  float64 `json:"percentUsed"`
		LimitReached bool    `json:"limitReached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, service.PlanPro, resp.Plan)
	require.Equal(t, int64(250), resp.MessagesUsed)
	require.Equal(t, int64(5000), resp.MessageLimit)
	require.InDelta(t, 5.0, resp.PercentUsed, 0.01)
	require.False(t, resp.LimitReached)
}

func TestUsageMeRequiresUser(t *testing.T) {
	t.Parallel()

	svc := service.New(stubRepo{plan: service.PlanFree}, nil, zaptest.NewLogger(t))
	router := New(svc, zaptest.NewLogger(t)).Routes()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(requesttrace.IntoContext(req.Context(), requesttrace.Anonymous("req-test")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestUsageAdminLookupRequiresAdminRole(t *testing.T) {
	t.Parallel()

	svc := service.New(stubRepo{plan: service.PlanPremium, totals: service.Totals{Messages: 400, Agents: 4}}, nil, zaptest.NewLogger(t))
	h := New(svc, zaptest.NewLogger(t))

	// Mounted the way the server does: the role guard wraps the admin routes.
	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(platformauth.RequireRole("admin"))
		r.Mount("/admin/usage", h.AdminRoutes())
	})

	lookup := func(creds *platformauth.UserCredentials) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/usage/firebase-uid-7", nil)
		if creds != nil {
			req = req.WithContext(platformauth.WithUser(req.Context(), creds))
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := lookup(&platformauth.UserCredentials{Id: "admin-uid", IsAdmin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plan         string `json:"plan"`
		MessagesUsed int64  `json:"messagesUsed"`
		AgentsUsed   int    `json:"agentsUsed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, service.PlanPremium, resp.Plan)
	require.Equal(t, int64(400), resp.MessagesUsed)
	require.Equal(t, 4, resp.AgentsUsed)

	require.Equal(t, http.StatusForbidden, lookup(&platformauth.UserCredentials{Id: "uid-1"}).Code)
	require.Equal(t, http.StatusForbidden, lookup(nil).Code)
}
