package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/problem-relay/internal/config"
	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
)

// fakeTenant serves the problem API endpoints the relay calls.
type fakeTenant struct {
	mu       sync.Mutex
	status   domain.ProblemStatus
	comments []feed.Comment
}

func (f *fakeTenant) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/problem/details/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Api-Token test-token", r.Header.Get("Authorization"))
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"id":            r.PathValue("id"),
			"displayName":   "100",
			"status":        status,
			"severityLevel": "AVAILABILITY",
			"impactLevel":   "APPLICATION",
			"rankedImpacts": []map[string]string{{"entityName": "checkout", "eventType": "FAILURE_RATE"}},
		}})
	})

	mux.HandleFunc("POST /api/v1/problem/details/{id}/comments", func(w http.ResponseWriter, r *http.Request) {
		var c feed.Comment
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		f.mu.Lock()
		f.comments = append(f.comments, c)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /api/v1/problem/feed/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hour", r.URL.Query().Get("relativeTime"))
		_, _ = io.WriteString(w, `{"result":{"problems":[
			{"id":"P-1","displayName":"100","status":"OPEN"},
			{"id":"P-2","displayName":"200","status":"OPEN"}
		],"monitored":{"SERVICE":3}}}`)
	})

	return mux
}

func (f *fakeTenant) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

func testConfig(tenantURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Webhook = config.WebhookConfig{Username: "relay", Password: "s3cret"}
	cfg.Feed.TenantURL = tenantURL
	cfg.Feed.APIToken = "test-token"
	cfg.Storage.Backend = config.StorageMemory
	cfg.Comments.User = "tester"
	cfg.Notifiers.Incident = config.IncidentConfig{Enabled: true, ExecUnix: "true", ExecWindows: "cmd", Timeout: 5 * time.Second}
	return &cfg
}

func newTestApp(t *testing.T) (*App, *fakeTenant) {
	t.Helper()

	tenant := &fakeTenant{status: domain.ProblemStatusOpen}
	srv := httptest.NewServer(tenant.handler(t))
	t.Cleanup(srv.Close)

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	return a, tenant
}

func postWebhook(t *testing.T, h http.Handler, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if auth {
		req.SetBasicAuth("relay", "s3cret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_OpsEndpoints(t *testing.T) {
	a, _ := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "OK", rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestApp_StatusPageIsPublic(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Problem Relay")
	assert.Contains(t, rec.Body.String(), "Usage: problem-relay")
}

func TestApp_WebhookRequiresAuth(t *testing.T) {
	a, tenant := newTestApp(t)

	rec := postWebhook(t, a.Router(), `{"ProblemID":"1","PID":"P-1","State":"OPEN"}`, false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, a.Store().Len())
	assert.Equal(t, 0, tenant.commentCount())
}

func TestApp_WebhookNotifiesOncePerStatus(t *testing.T) {
	a, tenant := newTestApp(t)
	body := `{"ProblemID":"1","PID":"P-1","State":"OPEN"}`

	rec := postWebhook(t, a.Router(), body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	got, ok := a.Store().Get("100")
	require.True(t, ok)
	assert.Equal(t, domain.ProblemStatusOpen, got.Status)
	require.Equal(t, 1, tenant.commentCount())
	assert.Equal(t, "tester", tenant.comments[0].User)
	assert.Contains(t, tenant.comments[0].Comment, "has been processed successfully")

	postWebhook(t, a.Router(), body, true)
	assert.Equal(t, 1, tenant.commentCount(), "same status is not notified twice")

	tenant.mu.Lock()
	tenant.status = domain.ProblemStatusClosed
	tenant.mu.Unlock()

	postWebhook(t, a.Router(), `{"ProblemID":"1","PID":"P-1","State":"RESOLVED"}`, true)
	assert.Equal(t, 2, tenant.commentCount())
	got, _ = a.Store().Get("100")
	assert.Equal(t, domain.ProblemStatusClosed, got.Status)
}

func TestApp_WebhookTestMarker(t *testing.T) {
	a, tenant := newTestApp(t)

	rec := postWebhook(t, a.Router(), `{"ProblemID":"999","State":"OPEN"}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, a.Store().Len())
	assert.Equal(t, 0, tenant.commentCount())
}

func TestApp_WebhookInvalidPayloadStillOK(t *testing.T) {
	a, _ := newTestApp(t)

	rec := postWebhook(t, a.Router(), `not json`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestApp_Poll(t *testing.T) {
	a, tenant := newTestApp(t)

	result, err := a.Poll(context.Background(), domain.RelativeTimeHour)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Problems)
	assert.Equal(t, 2, result.New)
	// Both feed entries resolve to display name 100, so the second is a duplicate.
	assert.Equal(t, 1, result.Notified)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, tenant.commentCount())
}

func TestOSUser(t *testing.T) {
	assert.NotEmpty(t, osUser())
}
