package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/cache"
	"github.com/jkaninda/ki2go/internal/catalog"
	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/engine"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/llm"
	"github.com/jkaninda/ki2go/internal/llm/openai"
	"github.com/jkaninda/ki2go/internal/observability"
	"github.com/jkaninda/ki2go/internal/prompt"
	"github.com/jkaninda/ki2go/internal/storage"
	pgstore "github.com/jkaninda/ki2go/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ki2go/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs       *observability.Observability
	Ledger    *ledger.Ledger
	Recorder  *audit.Recorder
	Cache     *cache.TemplateCache // nil = no discovery cache.
	Publisher *catalog.Publisher
	Engine    *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("KI2GO_CONFIG", configPath))
}

// setup loads the config and builds the shared components.
func setup(level slog.Level) (*SharedComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initShared(cfg, newLogger(level))
}

// initShared opens storage and wires the ledger, recorder, catalog publisher
// and engine. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	ctx := context.Background()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Ledger.
	rates, err := ledger.ParseRates(cfg.Ledger.InputRatePerK, cfg.Ledger.OutputRatePerK)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("ledger rates: %w", err)
	}
	spec := cfg.Ledger.CycleSchedule
	if spec == "" {
		spec = ledger.DefaultCycleSpec
	}
	cycle, err := ledger.NewCycle(spec)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("ledger cycle: %w", err)
	}
	led, err := ledger.New(store.Ledger(), ledger.Options{
		Rates:        rates,
		Cycle:        cycle,
		TrialCredits: cfg.Ledger.TrialCreditLimit(),
		OwnerBypass:  cfg.Ledger.OwnerBypassEnabled(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	sc.Ledger = led
	logger.Debug("ledger initialized",
		slog.String("cycle", cycle.Spec()),
		slog.Int64("trial_credits", cfg.Ledger.TrialCreditLimit()),
		slog.Bool("owner_bypass", cfg.Ledger.OwnerBypassEnabled()),
	)

	// Discovery cache. Redis being down at startup only disables caching.
	if cfg.Cache != nil {
		c, err := cache.New(ctx, cfg.Cache, logger)
		if err != nil {
			logger.Warn("template cache disabled", slog.String("error", err.Error()))
		} else {
			sc.Cache = c
			sc.addCleanup(func() { _ = c.Close() })
		}
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		if cfg.Observability.Health == nil || cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if sc.Cache != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeCache {
			obs.Health.AddCheck("cache", sc.Cache.Ping)
		}
	}

	// LLM provider.
	invoker, err := newInvoker(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		invoker = observability.NewInstrumentedInvoker(invoker, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	logger.Debug("llm provider initialized", slog.String("provider", invoker.Name()))

	// Catalog publisher and engine.
	var invalidator catalog.Invalidator
	var listCache engine.ListCache
	if sc.Cache != nil {
		invalidator = sc.Cache
		listCache = sc.Cache
	}
	sc.Publisher = catalog.NewPublisher(store.Templates(), invalidator, obs.MetricsOrNil(), logger)
	sc.Recorder = audit.NewRecorder(store.Executions(), logger)

	sc.Engine = engine.New(engine.Deps{
		Ledger:    led,
		Resolver:  prompt.NewResolver(store.Templates(), logger),
		Recorder:  sc.Recorder,
		Templates: store.Templates(),
		Documents: store.Documents(),
		Invoker:   invoker,
		Cache:     listCache,
		Metrics:   obs.MetricsOrNil(),
		Tracer:    obs.TracerOrNil(),
		Anomaly:   obs.AnomalyOrNil(),
		Logger:    logger,
		Config:    cfg.Engine,
	})

	return sc, nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		pgDB, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(pgDB), nil
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// newInvoker creates the configured provider, wrapped in a fallback chain
// when fallbacks are configured.
func newInvoker(cfg *config.Config, logger *slog.Logger) (llm.Invoker, error) {
	primary, err := buildInvoker(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers.Fallback) == 0 {
		return primary, nil
	}

	invokers := []llm.Invoker{primary}
	for _, name := range cfg.Providers.Fallback {
		fb, err := buildInvoker(name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		invokers = append(invokers, fb)
	}
	if len(invokers) == 1 {
		return primary, nil
	}
	return llm.NewFallbackInvoker(invokers, logger), nil
}

// buildInvoker creates a single provider by name.
func buildInvoker(name string, cfg *config.Config, logger *slog.Logger) (llm.Invoker, error) {
	opts := []openai.Option{
		openai.WithSystemPrompt(cfg.Providers.SystemPrompt),
		openai.WithMaxTokens(cfg.Providers.MaxTokens),
	}
	switch name {
	case "openai", "":
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model, logger, opts...), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		opts = append(opts, openai.WithBaseURL(baseURL), openai.WithName("ollama"))
		return openai.NewClient("", cfg.Providers.Ollama.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
