package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/bandit"
	"github.com/snow-ghost/skilltuner/pkg/capture"
	"github.com/snow-ghost/skilltuner/pkg/clustering"
	"github.com/snow-ghost/skilltuner/pkg/config"
	"github.com/snow-ghost/skilltuner/pkg/embeddings"
	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/evaluation/methods"
	"github.com/snow-ghost/skilltuner/pkg/judge"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/notify"
	"github.com/snow-ghost/skilltuner/pkg/providers"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/tokens"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

// app holds every long-lived component of a process
type app struct {
	logger       *zap.Logger
	store        storage.Store
	metrics      *metrics.Metrics
	tracer       *tracing.Tracer
	judge        *judge.Guarded
	pipeline     *evaluation.Pipeline
	notifier     *notify.Registry
	orchestrator *capture.Orchestrator
	providers    *providers.Registry
}

// buildApp wires the components described by cfg. reg receives the
// prometheus collectors.
func buildApp(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{logger: logger}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store

	a.metrics = metrics.New(reg)

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.tracer = tracer

	var inner judge.Judge = judge.Unconfigured{}
	if cfg.Judge != nil {
		inner, err = judge.New(*cfg.Judge)
		if err != nil {
			a.Close(context.Background())
			return nil, fmt.Errorf("failed to create judge: %w", err)
		}
	} else {
		logger.Warn("No judge configured; judge-backed evaluations will record errors")
	}
	a.judge, err = judge.NewGuarded(inner, cfg.JudgeGuard, logger.Named("judge"),
		judge.WithMetrics(a.metrics), judge.WithTracer(a.tracer))
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to guard judge: %w", err)
	}

	registry := evaluation.NewRegistry()
	if err := methods.Register(registry, a.judge); err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to register evaluation methods: %w", err)
	}
	a.pipeline = evaluation.NewPipeline(store, registry, logger.Named("evaluation"),
		evaluation.WithMetrics(a.metrics), evaluation.WithTracer(a.tracer))

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	assigner := clustering.NewAssigner(store, cfg.Clustering, logger.Named("clustering"),
		clustering.WithMetrics(a.metrics))
	engine := bandit.NewEngine(store, cfg.Bandit, logger.Named("bandit"),
		bandit.WithMetrics(a.metrics))
	a.notifier = notify.NewRegistry(cfg.Notify.BroadcastTimeout, logger.Named("notify"), a.metrics)

	a.orchestrator = capture.NewOrchestrator(capture.Deps{
		Store:      store,
		Assigner:   assigner,
		Engine:     engine,
		Pipeline:   a.pipeline,
		Notifier:   a.notifier,
		Embedder:   embedder,
		Supervisor: capture.NewSupervisor(logger.Named("supervisor"), a.metrics),
	}, cfg.Capture, logger.Named("capture"),
		capture.WithMetrics(a.metrics), capture.WithTracer(a.tracer))

	a.providers = providers.NewRegistry(tokens.NewEncoderRegistry())
	return a, nil
}

// Close drains background work and releases resources. Safe on a
// partially built app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	if a.judge != nil {
		a.judge.Close()
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
