package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanrelay/internal/application"
	appai "github.com/bryanwahyu/scanrelay/internal/application/ai"
	appscans "github.com/bryanwahyu/scanrelay/internal/application/scans"
	"github.com/bryanwahyu/scanrelay/internal/config"
	domai "github.com/bryanwahyu/scanrelay/internal/domain/ai"
	aiopenai "github.com/bryanwahyu/scanrelay/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/scanrelay/internal/infra/db/mysql"
	"github.com/bryanwahyu/scanrelay/internal/infra/db/postgres"
	"github.com/bryanwahyu/scanrelay/internal/infra/db/sqlite"
	"github.com/bryanwahyu/scanrelay/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/scanrelay/internal/infra/dispatch"
	"github.com/bryanwahyu/scanrelay/internal/infra/httpserver"
	"github.com/bryanwahyu/scanrelay/internal/infra/notify"
	minioStore "github.com/bryanwahyu/scanrelay/internal/infra/storage"
	"github.com/bryanwahyu/scanrelay/internal/infra/telemetry"
	"github.com/bryanwahyu/scanrelay/internal/middleware"
)

var version = "dev"

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("server stopped", "error", err)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}

	// connect database
	dialect, err := sqlstore.DialectFor(cfg.Database.Driver)
	if err != nil {
		return err
	}
	db, err := connect(ctx, dialect, cfg.DSN())
	if err != nil {
		return fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}
	defer db.Close()
	if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// init repo
	store := sqlstore.New(db, dialect)
	bus := notify.NewBus(notify.DefaultBuffer, log.Named("notify"))
	metrics := middleware.NewMetrics(bus.Len)

	dispatcher := dispatch.NewClient(
		dispatch.NewGitHub(dispatch.GitHubConfig{
			BaseURL:  cfg.Dispatch.BaseURL,
			Token:    cfg.Dispatch.Token,
			Owner:    cfg.Dispatch.Owner,
			Repo:     cfg.Dispatch.Repo,
			Workflow: cfg.Dispatch.Workflow,
			Ref:      cfg.Dispatch.Ref,
			Timeout:  cfg.Dispatch.Timeout,
		}),
		dispatch.WithPolicy(dispatch.Policy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		}),
		dispatch.WithLogger(log.Named("dispatch")),
		dispatch.WithAttemptObserver(metrics.DispatchAttempt),
	)

	// init service
	svc := &appscans.Service{
		Store:         store,
		Dispatcher:    dispatcher,
		Publisher:     bus,
		Errors:        sqlstore.NewScanErrorRepository(db, dialect),
		Metrics:       metrics,
		Clock:         application.SystemClock{},
		Log:           log.Named("scans"),
		CallbackURL:   cfg.CallbackURL(),
		CallbackToken: cfg.Callback.Token,
	}

	// init minio
	if cfg.Minio.Endpoint != "" {
		archive, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		svc.Archive = archive
	}

	var aiClient domai.Client
	if cfg.OpenAI.APIKey != "" {
		if cfg.OpenAI.BaseURL != "" {
			aiClient = aiopenai.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
		} else {
			aiClient = aiopenai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		}
	}
	aiSvc := appai.NewService(svc, sqlstore.NewAnalystRepository(db, dialect), aiClient, log.Named("ai"))

	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	done := make(chan struct{})
	defer close(done)
	go limiter.Run(done, time.Minute)

	// init router
	handler := httpserver.NewRouter(httpserver.Options{
		Scans:          svc,
		AI:             aiSvc,
		Bus:            bus,
		Metrics:        metrics,
		Limiter:        limiter,
		Ready:          map[string]middleware.HealthChecker{"database": &middleware.DatabaseHealthChecker{DB: db}},
		CallbackToken:  cfg.Callback.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		Log:            log.Named("http"),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// run server
	errc := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", addr, "driver", cfg.Database.Driver,
			"archive", svc.Archive != nil, "ai", aiSvc.Enabled(), "callback_auth", cfg.Callback.Token != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	// graceful shutdown
	select {
	case <-ctx.Done():
		log.Infow("shutting down server")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// hijacked push connections are not tracked by Shutdown; closing the bus ends them
	bus.Close()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}
	if err := shutdownTracing(sctx); err != nil {
		log.Warnw("tracer shutdown error", "error", err)
	}
	return nil
}

// connect opens the pool matching the resolved dialect.
func connect(ctx context.Context, d sqlstore.Dialect, dsn string) (*sql.DB, error) {
	switch d.Name {
	case sqlstore.MySQL.Name:
		return mysqlp.Connect(ctx, dsn)
	case sqlstore.Postgres.Name:
		return postgres.Connect(ctx, dsn)
	default:
		return sqlite.Connect(ctx, dsn)
	}
}
