package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"triagent/internal/config"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (pulled in by genai's auth transport) starts a stats
	// worker in init() that cannot be stopped; ignore it so only goroutines
	// leaked by this package fail the check.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.URL = ":memory:"
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

const issueOpened = `{
	"action": "opened",
	"issue": {
		"id": 9001,
		"number": 7,
		"title": "Crash on startup",
		"body": "Traceback (most recent call last):\n  File \"app/boot.py\", line 3, in main\nValueError: bad flag",
		"html_url": "https://github.com/acme/app/issues/7",
		"created_at": "2025-06-01T12:00:00Z",
		"user": {"login": "reporter"}
	},
	"repository": {"full_name": "acme/app"}
}`

func TestNewWiresPipelineWithoutCredentials(t *testing.T) {
	app, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	defer app.Close()

	handler := app.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)
}

func TestWebhookReachesQueue(t *testing.T) {
	app, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	defer app.Close()

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(issueOpened))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"accepted"`)
	assert.Equal(t, 1, app.Queue.Len())
}

func TestRunServesUntilCancelled(t *testing.T) {
	app, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	// Give the listener a moment to bind before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
