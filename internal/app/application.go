package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/lucid/internal/action"
	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/diagnosis"
	"github.com/raysh454/lucid/internal/dream"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/perception"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/registry"
	"github.com/raysh454/lucid/internal/scoring"
	"github.com/raysh454/lucid/internal/webclient"
)

// Application is the global runtime state container. It owns every
// long-lived component and closes them on Shutdown.
type Application struct {
	Config *Config
	Logger logging.Logger

	// Gatherer exposes the private metrics registry to /metrics.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Profiles *registry.Registry
	Orch     *Orchestrator

	provider  browser.Provider
	webClient webclient.WebClient
	memory    *memory.Service

	// internal context for cancellation / lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// NewApplication builds every component from cfg. Optional dependencies
// (reasoning backend, memory store) degrade with a warning instead of
// failing startup.
func NewApplication(ctx context.Context, cfg *Config, logger logging.Logger) (*Application, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		return nil, errors.New("logger is nil")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	profiles, err := registry.New(cfg.Registry.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("profile registry: %w", err)
	}

	browser.RegisterDefaultBackends()
	provider, err := browser.NewProvider(cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("browser provider: %w", err)
	}

	wc, err := webclient.NewNetHTTPClient(cfg.HTTP, logger, nil)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("web client: %w", err)
	}

	reasoner, err := reasoning.New(ctx, cfg.Reasoning, logger)
	if err != nil {
		logger.Warn("reasoning backend unavailable, using fallbacks",
			logging.Field{Key: "provider", Value: cfg.Reasoning.Provider},
			logging.Field{Key: "error", Value: err.Error()})
		reasoner = reasoning.Disabled{}
	}

	store, err := memory.Open(cfg.Memory, logger)
	if err != nil {
		logger.Warn("memory store unavailable, learning disabled",
			logging.Field{Key: "path", Value: cfg.Memory.Path},
			logging.Field{Key: "error", Value: err.Error()})
		store = nil
	}
	mem := memory.NewService(store, cfg.Memory, logger)

	deployments := deploy.NewClient(wc, cfg.Deploy, logger)
	var dreamDeployments dream.Deployments
	if deployments.Configured() {
		dreamDeployments = deployments
	}

	dispatcher, err := action.NewDispatcher(ctx, cfg.Action, wc, deployments, m, logger)
	if err != nil {
		_ = provider.Close()
		_ = wc.Close()
		_ = mem.Close()
		return nil, fmt.Errorf("action dispatcher: %w", err)
	}

	diagnoser := diagnosis.New(cfg.Diagnosis, reasoner, m, logger)
	scorer := scoring.New(cfg.Scoring, reasoner, m, logger)
	engine := dream.NewEngine(cfg.Dream, provider, diagnoser, scorer, dreamDeployments, m, logger)
	runner := perception.NewRunner(provider, cfg.Perception, m, logger)

	orch := NewOrchestrator(cfg, Components{
		Profiles:   profiles,
		Perception: runner,
		Dreams:     engine,
		Actions:    dispatcher,
		Memory:     mem,
		Reasoner:   reasoner,
		Metrics:    m,
	}, logger)

	appCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Application{
		Config:    cfg,
		Logger:    logger,
		Gatherer:  reg,
		Metrics:   m,
		Profiles:  profiles,
		Orch:      orch,
		provider:  provider,
		webClient: wc,
		memory:    mem,
		ctx:       appCtx,
		cancel:    cancel,
	}, nil
}

// Start begins background work: the profile directory watcher.
func (a *Application) Start() error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application starting",
		logging.Field{Key: "profiles", Value: len(a.Profiles.List())},
		logging.Field{Key: "browser", Value: a.Config.Browser.Backend},
		logging.Field{Key: "reasoning", Value: a.Config.Reasoning.Provider})

	if a.Config.Registry.Watch {
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			if err := a.Profiles.Watch(a.ctx); err != nil {
				a.Logger.Warn("profile watcher stopped", logging.Field{Key: "error", Value: err.Error()})
			}
		}()
	}
	return nil
}

// Shutdown stops running jobs, then releases the browser, HTTP client and
// memory store.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")

	// Ask orchestrator to shut down first with a bounded timeout.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = a.Orch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.Logger.Warn("orchestrator shutdown timed out")
	}

	a.cancel()
	a.bg.Wait()

	var errs []error
	if err := a.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	if err := a.webClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close web client: %w", err))
	}
	if err := a.memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory: %w", err))
	}
	return errors.Join(errs...)
}
