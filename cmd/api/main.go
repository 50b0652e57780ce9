package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/seclab/scanhub/internal/application"
	appai "github.com/seclab/scanhub/internal/application/ai"
	appreports "github.com/seclab/scanhub/internal/application/reports"
	appruns "github.com/seclab/scanhub/internal/application/runs"
	"github.com/seclab/scanhub/internal/config"
	domain "github.com/seclab/scanhub/internal/domain/runs"
	openaiClient "github.com/seclab/scanhub/internal/infra/ai/openai"
	mysqlp "github.com/seclab/scanhub/internal/infra/db/mysql"
	postgresp "github.com/seclab/scanhub/internal/infra/db/postgres"
	batteryexec "github.com/seclab/scanhub/internal/infra/executor/battery"
	"github.com/seclab/scanhub/internal/infra/executor/sidecar"
	"github.com/seclab/scanhub/internal/infra/httpserver"
	"github.com/seclab/scanhub/internal/infra/notify"
	minioStore "github.com/seclab/scanhub/internal/infra/storage"
	"github.com/seclab/scanhub/internal/middleware"
	render "github.com/seclab/scanhub/internal/reports"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	ctx := context.Background()

	// connect DB sesuai driver
	var db *sql.DB
	var repo domain.Repository
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect error")
		}
		repo = postgresp.NewRunRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			logger.Fatal().Err(err).Msg("mysql connect error")
		}
		repo = mysqlp.NewRunRepository(db)
	}
	defer db.Close()

	// init minio
	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("minio init error")
	}

	// init executors: one sidecar per configured tool plus the probe battery
	executors := make(map[domain.Tool]domain.Executor, len(cfg.Tools)+1)
	for name, baseURL := range cfg.Tools {
		tool := domain.Tool(name)
		executors[tool] = sidecar.New(tool, baseURL, logger)
	}
	executors[domain.ToolTestBattery] = batteryexec.New(
		cfg.Battery.EnforcementMode,
		cfg.Battery.ReportURL,
		cfg.ProbeDelay(),
		logger,
	)

	notifier := notify.NewWebhook(cfg.Notify.WebhookURL)

	// init services
	runsSvc := appruns.NewService(repo, store, executors, application.SystemClock{}, notifier, logger)
	reportsSvc := appreports.NewService(repo, store, render.NewRenderer(), logger)

	var aiSvc *appai.Service
	if cfg.AI.APIKey != "" {
		aiSvc = appai.NewService(openaiClient.NewClient(cfg.AI.APIKey, cfg.AI.Model), repo, store)
	}

	// reaper untuk task yang macet
	reaper := appruns.NewReaper(runsSvc, cfg.ReaperInterval(), cfg.ReaperTimeout(), logger)
	reaperCtx, stopReaper := context.WithCancel(ctx)
	go reaper.Run(reaperCtx)

	// init router
	mux := chi.NewRouter()
	mux.Use(middleware.LoggingMiddleware(logger))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.RateLimitMiddleware(100, 50))
	if len(cfg.Auth.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys))
	}
	mux.Get("/health", middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"storage":  middleware.CheckerFunc(store.Ping),
	}))
	mux.Get("/metrics", middleware.MetricsHandler)
	mux.Mount("/", httpserver.NewRouter(runsSvc, reportsSvc, aiSvc))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down server...")
	stopReaper()

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
