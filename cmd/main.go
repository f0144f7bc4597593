package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"paperflow/internal/broker"
	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/handler"
	"paperflow/internal/health"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
	"paperflow/internal/pipeline"
	"paperflow/internal/repository"
	"paperflow/internal/service"
)

const configFile = ".app.env"

// ensureDatabase создаёт базу, если её ещё нет
func ensureDatabase(cfg config.DatabaseConfig, log *logger.Logger) error {
	sys := cfg
	sys.Name = "postgres"
	pgDB, err := sqlx.Connect("postgres", sys.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer pgDB.Close()

	var exists bool
	if err := pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name); err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		log.Info("database does not exist, creating", "database", cfg.Name)
		if _, err := pgDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(cfg.Name)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}
	return nil
}

func connectWithRetry(ctx context.Context, cfg config.DatabaseConfig, maxAttempts uint, delay time.Duration, log *logger.Logger) (*sqlx.DB, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (*sqlx.DB, error) {
		attempt++
		if err := ensureDatabase(cfg, log); err != nil {
			log.Warn("database is not ready", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			return nil, err
		}
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDSN())
		if err != nil {
			log.Warn("failed to connect to database", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			return nil, err
		}
		return db, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(delay)), backoff.WithMaxTries(maxAttempts))
}

func runMigrations(cfg config.DatabaseConfig, log *logger.Logger) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.URL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn("found dirty database state, forcing version", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func main() {
	cfg, err := config.NewConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("process", "rest")

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectWithRetry(ctx, cfg.Database, 5, 5*time.Second, log)
	if err != nil {
		log.Fatal("failed to connect to database after retries", "error", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := runMigrations(cfg.Database, log); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	objects, err := objectstore.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("failed to create object storage client", "provider", cfg.Storage.Provider, "error", err)
	}

	sup := broker.NewSupervisor(cfg.Broker, "paperflow-rest", log)
	defer sup.Close()
	publisher := broker.NewPublisher(sup, cfg.Broker.Durable, log)
	defer publisher.Close()

	// Репозитории
	documentRepo := repository.NewDocumentRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	// Сервисы
	relay := service.NewOutboxRelay(outboxRepo, publisher, cfg.Pipeline, log)
	reconciler := service.NewReconciler(documentRepo, relay, objects.Bucket(), cfg.Pipeline, log)
	documentService := service.NewDocumentService(documentRepo, objects, relay, cfg.Server.MaxUploadBytes, log)

	merge := pipeline.NewMergeStage(documentService, log)
	mergeConsumer := broker.NewConsumer(
		sup,
		publisher,
		broker.ConsumerOptionsFromConfig(domain.QueueAnalysisFinished, cfg.Broker),
		merge.Handle,
		log,
	)

	checks := map[string]handler.HealthCheck{
		"database": db.PingContext,
		"broker":   brokerCheck(sup),
	}
	router := handler.NewRouter(
		handler.NewDocumentHandler(documentService, cfg.Server.MaxUploadBytes, log),
		checks,
		cfg.Server.RequestTimeout,
		log,
	)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := health.NewServer("paperflow.rest", map[string]health.Check{
		"database": db.PingContext,
		"broker":   brokerCheck(sup),
	}, 10*time.Second, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server forced to shutdown", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return healthServer.Serve(gctx, fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	})
	g.Go(func() error {
		return mergeConsumer.Run(gctx)
	})
	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
	}
	log.Info("server exited properly")
}

func brokerCheck(sup *broker.Supervisor) func(context.Context) error {
	return func(context.Context) error {
		if !sup.Connected() {
			return errors.New("broker is not connected")
		}
		return nil
	}
}
