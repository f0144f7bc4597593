package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"paperflow/internal/broker"
	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/extraction"
	"paperflow/internal/health"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
	"paperflow/internal/pipeline"
)

func main() {
	cfg, err := config.NewConfig(".app.env")
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
	log = log.With("process", "ocr")

	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("failed to create object storage client", "provider", cfg.Storage.Provider, "error", err)
	}

	sup := broker.NewSupervisor(cfg.Broker, "paperflow-ocr", log)
	defer sup.Close()
	publisher := broker.NewPublisher(sup, cfg.Broker.Durable, log)
	defer publisher.Close()

	stage := pipeline.NewExtractionStage(
		extraction.NewFetcher(objects, cfg.Extraction.TempDir, log),
		extraction.NewCLIEngine(cfg.Extraction, log),
		publisher,
		log,
	)
	consumer := broker.NewConsumer(
		sup,
		publisher,
		broker.ConsumerOptionsFromConfig(domain.QueueDocuments, cfg.Broker),
		stage.Handle,
		log,
	)

	healthServer := health.NewServer("paperflow.ocr", map[string]health.Check{
		"broker": func(context.Context) error {
			if !sup.Connected() {
				return errors.New("broker is not connected")
			}
			return nil
		},
	}, 10*time.Second, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthServer.Serve(gctx, fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	})
	g.Go(func() error {
		log.Info("ocr worker started", "queue", domain.QueueDocuments, "max_pages", cfg.Extraction.MaxPages)
		return consumer.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("ocr worker stopped with error", "error", err)
	}
	log.Info("ocr worker exited")
}
