// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/problem-relay/internal/config"
	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/ingest"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/notifications/incident"
	"github.com/bissquit/problem-relay/internal/notifications/mattermost"
	"github.com/bissquit/problem-relay/internal/notifications/natspub"
	"github.com/bissquit/problem-relay/internal/notifications/sms"
	"github.com/bissquit/problem-relay/internal/pkg/httputil"
	"github.com/bissquit/problem-relay/internal/pkg/metrics"
	"github.com/bissquit/problem-relay/internal/pkg/postgres"
	"github.com/bissquit/problem-relay/internal/status"
	"github.com/bissquit/problem-relay/internal/store"
	"github.com/bissquit/problem-relay/internal/store/file"
	storepostgres "github.com/bissquit/problem-relay/internal/store/postgres"
	"github.com/bissquit/problem-relay/internal/version"
)

// Usage describes the command line. It is printed by the CLI and shown on the status page.
const Usage = `Usage: problem-relay [-config path] <command> [options]

commands:
  run                   start the webhook receiver and status page
  poll [relativeTime]   notify new problems of the last relativeTime once and exit
                        relativeTime: hour, 2hours, 6hours, day, week, month (default hour)
  version               print the version
  help                  print this help`

const webhookRealm = "problem-relay"

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	nc            interface{ Close() }
	store         *store.Store
	pipeline      *notifications.Pipeline
	poller        *ingest.Poller
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance: it opens the storage backend, loads
// previously notified problems and wires the notifiers enabled in cfg.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		metricsCancel: metricsCancel,
	}

	if err := app.init(metricsCtx); err != nil {
		app.closeResources()
		return nil, err
	}

	metrics.BuildInfo.WithLabelValues(version.Version, version.GitCommit).Set(1)

	return app, nil
}

func (a *App) init(ctx context.Context) error {
	backend, archive, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	a.store = store.New(backend)
	if err := a.store.LoadAll(ctx); err != nil {
		return err
	}

	feedClient, err := feed.NewClient(feed.Config{
		TenantURL:          a.config.Feed.TenantURL,
		APIToken:           a.config.Feed.APIToken,
		Timeout:            a.config.Feed.Timeout,
		InsecureSkipVerify: a.config.Feed.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("create feed client: %w", err)
	}

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	notifiers, err := a.buildNotifiers(feedClient, renderer)
	if err != nil {
		return err
	}

	commentUser := a.config.Comments.User
	if commentUser == "" {
		commentUser = osUser()
	}
	reporter := notifications.NewCommentReporter(feedClient, renderer, commentUser, a.config.Comments.Context)

	a.pipeline = notifications.NewPipeline(feedClient, a.store, reporter, notifiers...)
	a.poller = ingest.NewPoller(feedClient, a.store, a.pipeline)

	a.logger.Info("pipeline configured",
		"notifiers", a.pipeline.Notifiers(),
		"storage", a.config.Storage.Backend,
		"sent_problems", a.store.Len(),
		"comment_user", commentUser,
	)

	ingestHandler := ingest.NewHandler(a.pipeline, archive, ingest.Config{
		ProcessTimeout: a.config.Ingest.ProcessTimeout,
		MaxBodyBytes:   a.config.Ingest.MaxBodyBytes,
	})

	addr := fmt.Sprintf("%s:%s", a.config.Server.Host, a.config.Server.Port)
	statusHandler, err := status.NewHandler(feedClient, a.store, ingestHandler.Stats(), status.Info{
		TenantURL:  feedClient.TenantURL(),
		ListenAddr: addr,
		User:       commentUser,
		Usage:      Usage,
	})
	if err != nil {
		return fmt.Errorf("create status page: %w", err)
	}

	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.setupRouter(ingestHandler, statusHandler),
		ReadTimeout:       a.config.Server.ReadTimeout,
		ReadHeaderTimeout: a.config.Server.ReadHeaderTimeout,
		WriteTimeout:      a.config.Server.WriteTimeout,
		IdleTimeout:       a.config.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", a.config.Server.Host, a.config.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

func (a *App) openStorage(ctx context.Context) (store.Backend, store.PayloadArchive, error) {
	switch a.config.Storage.Backend {
	case config.StoragePostgres:
		dbCfg := a.config.Database
		if dbCfg.Migrate {
			if err := storepostgres.Migrate(dbCfg.URL); err != nil {
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
		}

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             dbCfg.URL,
			MaxOpenConns:    dbCfg.MaxOpenConns,
			MaxIdleConns:    dbCfg.MaxIdleConns,
			ConnMaxLifetime: dbCfg.ConnMaxLifetime,
			ConnectTimeout:  dbCfg.ConnectTimeout,
			ConnectAttempts: dbCfg.ConnectAttempts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		go a.collectDBMetrics(ctx)

		return storepostgres.NewBackend(db), storepostgres.NewArchive(db), nil

	case config.StorageMemory:
		a.logger.Warn("memory storage selected: sent problems are lost on restart")
		backend := store.NewMemoryBackend()
		return backend, backend, nil

	default:
		return file.NewBackend(a.config.Storage.DirSent), file.NewArchive(a.config.Storage.DirReceived), nil
	}
}

func (a *App) buildNotifiers(feedClient *feed.Client, renderer *notifications.Renderer) ([]notifications.Notifier, error) {
	var notifiers []notifications.Notifier
	nc := a.config.Notifiers

	if nc.Incident.Enabled {
		n, err := incident.NewNotifier(incident.Config{
			ExecUnix:    nc.Incident.ExecUnix,
			ExecWindows: nc.Incident.ExecWindows,
			Args:        nc.Incident.Args,
			Timeout:     nc.Incident.Timeout,
		}, renderer, nil)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}

	if nc.SMS.Enabled {
		s, err := sms.NewSender(sms.Config{
			APIURL:     nc.SMS.APIURL,
			AccountSID: nc.SMS.AccountSID,
			AuthToken:  nc.SMS.AuthToken,
			From:       nc.SMS.From,
			To:         nc.SMS.To,
			Timeout:    nc.SMS.Timeout,
			RateLimit:  nc.SMS.RateLimit,
		}, feedClient, renderer)
		if err != nil {
			return nil, err
		}
		a.logger.Info("sms notifier enabled", "to", s.MaskedTo())
		notifiers = append(notifiers, s)
	}

	if nc.NATS.Enabled {
		conn, err := natspub.Connect(nc.NATS.URL, nc.NATS.Timeout, a.logger)
		if err != nil {
			return nil, err
		}
		a.nc = conn

		p, err := natspub.NewPublisher(conn, natspub.Config{
			SubjectPrefix: nc.NATS.SubjectPrefix,
			Timeout:       nc.NATS.Timeout,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, p)
	}

	if nc.Mattermost.Enabled {
		m, err := mattermost.NewSender(mattermost.Config{
			WebhookURL: nc.Mattermost.WebhookURL,
			Username:   nc.Mattermost.Username,
			IconURL:    nc.Mattermost.IconURL,
			Channel:    nc.Mattermost.Channel,
			Timeout:    nc.Mattermost.Timeout,
		}, feedClient, renderer)
		if err != nil {
			return nil, err
		}
		a.logger.Info("mattermost notifier enabled", "webhook", mattermost.MaskWebhookURL(nc.Mattermost.WebhookURL))
		notifiers = append(notifiers, m)
	}

	if len(notifiers) == 0 {
		a.logger.Warn("no notifiers enabled: problems are recorded but nobody is notified")
	}

	return notifiers, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Poll runs a single poll cycle over the given window.
func (a *App) Poll(ctx context.Context, rt domain.RelativeTime) (*ingest.PollResult, error) {
	return a.poller.Poll(ctx, rt)
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.closeResources()

	return errors.Join(errs...)
}

func (a *App) closeResources() {
	a.metricsCancel()
	if a.nc != nil {
		a.nc.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Store returns the sent problem store.
func (a *App) Store() *store.Store {
	return a.store
}

func (a *App) setupRouter(ingestHandler *ingest.Handler, statusHandler *status.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz"))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		statusHandler.RegisterRoutes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(httputil.BasicAuth(httputil.BasicAuthConfig{
			Realm:        webhookRealm,
			Username:     a.config.Webhook.Username,
			Password:     a.config.Webhook.Password,
			PasswordHash: a.config.Webhook.PasswordHash,
		}))
		ingestHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := a.db.Ping(ctx); err != nil {
			a.logger.Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func osUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "problem-relay"
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
