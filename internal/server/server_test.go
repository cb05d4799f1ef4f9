package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagent/internal/breaker"
	"triagent/internal/config"
	"triagent/internal/store"
)

type fixture struct {
	srv      *Server
	router   http.Handler
	db       *store.Store
	cfg      *config.Config
	breakers *breaker.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	mgr := breaker.NewManager(nil)
	srv := New(cfg, db, mgr, nil, "test")
	return &fixture{srv: srv, router: srv.Router(), db: db, cfg: cfg, breakers: mgr}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func seedUser(t *testing.T, db *store.Store, email, chatID, name string) *store.User {
	t.Helper()
	u, err := db.CreateUser(context.Background(), email, chatID, name)
	require.NoError(t, err)
	return u
}

func TestRootEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "Triagent triage engine is running", body["message"])
}

func TestHealthHealthy(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)

	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "triagent", body["service"])
	assert.Equal(t, "test", body["version"])

	db, ok := body["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, db["ok"])

	ext, ok := body["external_services"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, ext, breaker.ServiceLLM)
	assert.Contains(t, ext, breaker.ServiceChat)
	assert.Contains(t, ext, breaker.ServiceSourceHosting)
	assert.Contains(t, ext, breaker.ServiceGitOps)
}

func TestHealthDegradedWhenDatabaseClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthDegradedWhenServiceFailing(t *testing.T) {
	f := newFixture(t)

	_, err := breaker.Do(context.Background(), f.breakers, breaker.ServiceChat,
		func(context.Context) error { return errors.New("chat api down") }, nil)
	require.Error(t, err)

	rec := f.do(t, http.MethodGet, "/health", nil)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["degraded_services"], breaker.ServiceChat)
}

func TestHealthCriticalWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("git unreachable") }

	// Three failures open the git_operations breaker; the next call is
	// short-circuited and marks the service critical.
	for i := 0; i < 4; i++ {
		_, _ = breaker.Do(ctx, f.breakers, breaker.ServiceGitOps, fail, nil)
	}

	rec := f.do(t, http.MethodGet, "/health", nil)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "critical", body["status"])
	assert.Contains(t, body["degraded_services"], breaker.ServiceGitOps)
}

func TestHealthDetailed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health/detailed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body, "database")
	assert.Contains(t, body, "timestamp")

	sys, ok := body["system_health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "normal", sys["overall_status"])
}

func TestDatabaseHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/database/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])

	tables, ok := body["tables"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, tables, "users")
	assert.Contains(t, tables, "assignments")
}

func TestWebhookRouteMounted(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var called bool
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	srv := New(config.DefaultConfig(), db, breaker.NewManager(nil), hook, "")
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Empty version falls back to "dev" on the health endpoint.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "dev", body["version"])
}

func TestWebhookRouteAbsentWithoutHandler(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/webhook/github", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
