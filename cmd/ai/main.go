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

	"paperflow/internal/analysis"
	"paperflow/internal/broker"
	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/health"
	"paperflow/internal/logger"
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
	log = log.With("process", "ai")

	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generator, closeGenerator, err := analysis.NewGenerator(ctx, cfg.Analysis)
	if err != nil {
		log.Fatal("failed to create generative model client", "provider", cfg.Analysis.Provider, "error", err)
	}
	defer func() {
		if err := closeGenerator(); err != nil {
			log.Warn("failed to close generative model client", "error", err)
		}
	}()

	sup := broker.NewSupervisor(cfg.Broker, "paperflow-ai", log)
	defer sup.Close()
	publisher := broker.NewPublisher(sup, cfg.Broker.Durable, log)
	defer publisher.Close()

	stage := pipeline.NewAnalysisStage(
		analysis.NewLLMAnalyzer(generator, cfg.Analysis, log),
		analysis.NewVersionTextClient(cfg.Analysis.VersionTextURL, cfg.Analysis.RequestTimeout),
		publisher,
		pipeline.BaseWait{Attempts: cfg.Analysis.BaseWaitAttempts, MaxAge: cfg.Analysis.BaseWaitTimeout},
		log,
	)
	consumer := broker.NewConsumer(
		sup,
		publisher,
		broker.ConsumerOptionsFromConfig(domain.QueueExtractionFinished, cfg.Broker),
		stage.Handle,
		log,
	)

	healthServer := health.NewServer("paperflow.ai", map[string]health.Check{
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
		log.Info("ai worker started", "queue", domain.QueueExtractionFinished,
			"provider", cfg.Analysis.Provider, "model", cfg.Analysis.Model)
		return consumer.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("ai worker stopped with error", "error", err)
	}
	log.Info("ai worker exited")
}
