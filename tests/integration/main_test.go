//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/problem-relay/internal/app"
	"github.com/bissquit/problem-relay/internal/config"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/testutil"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	webhookUser     = "relay"
	webhookPassword = "s3cret"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testTenant    *tenant
)

// tenant is a fake monitoring platform. Problems are keyed by PID.
type tenant struct {
	mu       sync.Mutex
	problems map[string]map[string]any
	comments map[string][]feed.Comment
}

func newTenant() *tenant {
	return &tenant{
		problems: make(map[string]map[string]any),
		comments: make(map[string][]feed.Comment),
	}
}

func (tn *tenant) setProblem(pid, displayName, status string) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.problems[pid] = map[string]any{
		"id":                     pid,
		"displayName":            displayName,
		"status":                 status,
		"severityLevel":          "ERROR",
		"impactLevel":            "SERVICE",
		"tagsOfAffectedEntities": []string{"integration"},
		"rankedImpacts": []map[string]string{
			{"entityName": "checkout", "severityLevel": "ERROR", "impactLevel": "SERVICE", "eventType": "FAILURE_RATE"},
		},
	}
}

func (tn *tenant) commentsFor(pid string) []feed.Comment {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return append([]feed.Comment(nil), tn.comments[pid]...)
}

func (tn *tenant) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/problem/details/{pid}", func(w http.ResponseWriter, r *http.Request) {
		tn.mu.Lock()
		p, ok := tn.problems[r.PathValue("pid")]
		tn.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": p})
	})

	mux.HandleFunc("POST /api/v1/problem/details/{pid}/comments", func(w http.ResponseWriter, r *http.Request) {
		var c feed.Comment
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tn.mu.Lock()
		tn.comments[r.PathValue("pid")] = append(tn.comments[r.PathValue("pid")], c)
		tn.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("GET /api/v1/problem/feed/", func(w http.ResponseWriter, _ *http.Request) {
		tn.mu.Lock()
		problems := make([]map[string]any, 0, len(tn.problems))
		for _, p := range tn.problems {
			problems = append(problems, p)
		}
		tn.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"problems":  problems,
			"monitored": map[string]int{"APPLICATION": 1, "SERVICE": 2, "INFRASTRUCTURE": 3},
		}})
	})

	return mux
}

func newClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewClient(t, testServer.URL, testValidator)
}

func newWebhookClient(t *testing.T) *testutil.Client {
	t.Helper()
	return newClient(t).WithBasicAuth(webhookUser, webhookPassword)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	testTenant = newTenant()
	tenantServer := httptest.NewServer(testTenant.handler())
	defer tenantServer.Close()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Webhook = config.WebhookConfig{Username: webhookUser, Password: webhookPassword}
	cfg.Feed.TenantURL = tenantServer.URL
	cfg.Feed.APIToken = "integration-token"
	cfg.Storage.Backend = config.StoragePostgres
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.ConnectAttempts = 3
	cfg.Comments.User = "integration"
	cfg.Notifiers.Incident = config.IncidentConfig{Enabled: true, ExecUnix: "true", ExecWindows: "cmd", Timeout: 5 * time.Second}

	application, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
