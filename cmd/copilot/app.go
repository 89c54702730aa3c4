package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"crm-copilot/internal/adapter/audit"
	"crm-copilot/internal/adapter/cache"
	"crm-copilot/internal/adapter/httpapi"
	"crm-copilot/internal/adapter/llm"
	"crm-copilot/internal/adapter/store"
	"crm-copilot/internal/adapter/tool"
	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/config"
	"crm-copilot/internal/infra/logger"
	"crm-copilot/internal/infra/tracer"
	"crm-copilot/internal/usecase"
	"crm-copilot/internal/usecase/delivery"
	"crm-copilot/internal/usecase/eventbus"
)

// app holds the wired components and the order to release them in.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	server   *httpapi.Server
	manager  *delivery.Manager
	closers  []func() error
	shutdown []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log, closers: []func() error{closeLog}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.shutdown = append(a.shutdown, shutdownTracer)

	kv, err := newCache(ctx, cfg.Cache, logger.Component(log, "cache"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, kv.Close)

	providers, err := newProviders(cfg, logger.Component(log, "llm"))
	if err != nil {
		return nil, err
	}
	gateway := llm.NewGateway(llm.GatewayDeps{
		Registry:         providers,
		Logger:           logger.Component(log, "gateway"),
		Aliases:          cfg.LLM.Aliases,
		ContextWindows:   cfg.LLM.ContextWindows,
		Counter:          llm.NewTiktokenCounter(),
		RequestTimeout:   cfg.LLM.RequestTimeout,
		MaxRetries:       cfg.LLM.MaxRetries,
		Memo:             kv,
		GenerateCacheTTL: cfg.LLM.GenerateCacheTTL,
	})

	records, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, records.Close)

	tools, err := newToolCatalog(cfg, records, logger.Component(log, "tool"))
	if err != nil {
		return nil, err
	}

	trail, err := openAudit(ctx, cfg.Audit, logger.Component(log, "audit"))
	if err != nil {
		return nil, err
	}
	if trail != nil {
		a.closers = append(a.closers, trail.Close)
	}

	// The bus closes before the audit trail so in-flight entries land.
	bus := eventbus.New(logger.Component(log, "eventbus"))
	a.closers = append(a.closers, func() error { bus.Close(); return nil })
	metrics := &httpapi.Metrics{}
	unsubscribe := metrics.Subscribe(bus)
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })
	if trail != nil {
		unsubscribeAudit := trail.Subscribe(bus)
		a.closers = append(a.closers, func() error { unsubscribeAudit(); return nil })
	}

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Gateway:       gateway,
		Logger:        logger.Component(log, "orchestrator"),
		MaxIterations: cfg.Agent.MaxIterations,
		ParallelTools: cfg.Agent.ParallelTools,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Bus:           bus,
	})

	pool := delivery.NewTaskPool(cfg.Delivery.MaxBackgroundTasks, logger.Component(log, "pool"))
	a.manager = delivery.NewManager(delivery.ManagerDeps{
		Runner:          orchestrator,
		Executor:        tools,
		Store:           kv,
		Pool:            pool,
		Logger:          logger.Component(log, "delivery"),
		Bus:             bus,
		Model:           cfg.Agent.Model,
		ChunkTTL:        cfg.Delivery.ChunkTTL,
		PollTaskTimeout: cfg.Delivery.PollTaskTimeout,
	})

	handler := httpapi.NewHandler(httpapi.HandlerDeps{
		Assistant: a.manager,
		Tools:     tools,
		Cache:     kv,
		Pool:      pool,
		Metrics:   metrics,
		Logger:    logger.Component(log, "http"),
		Version:   version,
	})
	a.server = httpapi.NewServer(httpapi.ServerConfig{
		Addr:           cfg.Server.Addr,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, handler, logger.Component(log, "http"))

	log.Info("crm-copilot ready",
		"version", version,
		"providers", providers.List(),
		"cache", cfg.Cache.Backend,
		"store", cfg.Store.Path,
		"audit", cfg.Audit.Enabled,
		"max_iterations", orchestrator.MaxIterations(),
	)
	return a, nil
}

// serve runs the HTTP server until ctx ends, then drains background runs.
func (a *app) serve(ctx context.Context) error {
	defer a.close()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("background runs: %w", err))
	}
	for _, fn := range a.shutdown {
		if err := fn(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func newCache(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*cache.Cache, error) {
	var backend domain.CacheStore
	switch cfg.Backend {
	case "redis":
		rs, err := cache.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		backend = rs
	default:
		backend = cache.NewMemoryStore(cfg.JanitorInterval)
	}
	return cache.New(backend, cfg.Prefix, log), nil
}

func newProviders(cfg *config.Config, log *slog.Logger) (*llm.Registry, error) {
	registry := llm.NewRegistry(cfg.LLM.DefaultProvider)
	for _, pc := range cfg.LLM.Providers {
		var provider domain.LLMProvider
		kind := pc.Type
		if kind == "" {
			kind = pc.Name
		}
		switch kind {
		case "anthropic":
			provider = llm.NewAnthropicProvider(pc, log)
		case "openai":
			provider = llm.NewOpenAIProvider(pc, log)
		default:
			return nil, fmt.Errorf("llm provider %s: unsupported type %q", pc.Name, kind)
		}
		if cfg.LLM.CircuitBreaker.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cfg.LLM.CircuitBreaker, log)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}
	if len(cfg.LLM.Providers) == 0 {
		log.Warn("no llm providers configured; assist requests will fail")
	}
	return registry, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	records, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if cfg.Store.Seed {
		if _, err := store.Seed(ctx, records); err != nil {
			records.Close()
			return nil, err
		}
	}
	return records, nil
}

// openAudit returns nil when the audit trail is disabled.
func openAudit(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*audit.FileLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	maxSize, err := config.ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	trail, err := audit.Open(cfg.Path, log)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	trail.SetRetention(audit.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
	if _, err := trail.EnforceRetention(ctx); err != nil {
		log.Warn("audit retention failed", "error", err)
	}
	return trail, nil
}

func newToolCatalog(cfg *config.Config, records *store.SQLiteStore, log *slog.Logger) (*tool.Registry, error) {
	return tool.NewCatalog(records, tool.CatalogConfig{
		Email: tool.EmailConfig{
			AllowedDomains: cfg.Tools.EmailAllowedDomains,
			MaxPerHour:     cfg.Tools.EmailMaxPerHour,
		},
		SearchLimit: cfg.Tools.SearchLimit,
	}, log)
}
