package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/agent"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/api"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/config"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/events"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/freshness"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/notify"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/oracle"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/provider"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting IESO forecasting agent...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agent.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// LLM provider router behind the reasoning oracle.
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: pc.Model,
			Timeout: time.Duration(pc.TimeoutSec) * time.Second,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Postgres backs both the demand series and the session ledger. The
	// agent degrades to an in-memory ledger when it is unreachable, but
	// without a demand source it cannot forecast, only introspect.
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running degraded", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	var ledger decisionlog.Ledger
	var source agent.DataSource
	if pgStore != nil {
		ledger = pgStore
		source = pgStore
	} else {
		ledger = decisionlog.NewMemoryLedger()
		source = emptySource{}
	}

	models := forecast.NewManager(forecast.Config{
		PrimaryMetric:       cfg.Forecast.PrimaryMetric,
		RetainPerKind:       cfg.Forecast.RetainPerKind,
		HoldoutHours:        cfg.Forecast.HoldoutHours,
		SeasonalPeriodHours: cfg.Forecast.SeasonalPeriodHours,
	}, logger)

	policy := freshness.Policy{
		ExpectedInterval: cfg.Freshness.ExpectedInterval(),
		Multiplier:       cfg.Freshness.StalenessMultiplier,
	}

	registry := capability.NewRegistry()
	if err := agent.RegisterBuiltins(registry, agent.Deps{
		Source:    source,
		Models:    models,
		Ledger:    ledger,
		Freshness: policy,
	}); err != nil {
		logger.Fatal("capability registration failed", zap.Error(err))
	}
	registry.Freeze()

	dispatcher := capability.NewDispatcher(registry,
		cfg.Agent.CapabilityTimeout(), cfg.Agent.MaxParallelActs, logger)

	// Redis stream for live decision records, optional.
	var bus *events.Bus
	var publisher agent.RecordPublisher
	if cfg.Database.Redis.URL != "" {
		b, busErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, decision stream disabled", zap.Error(busErr))
		} else {
			bus = b
			publisher = b
		}
	}

	var notifiers []notify.Notifier
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifiers = append(notifiers,
			notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn, dErr := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord notifier disabled", zap.Error(dErr))
		} else {
			notifiers = append(notifiers, dn)
		}
	}

	orch := agent.New(agent.Options{
		Registry:   registry,
		Dispatcher: dispatcher,
		Oracle:     oracle.NewLLMOracle(router, "", logger),
		Models:     models,
		Ledger:     ledger,
		Publisher:  publisher,
		Notifiers:  notifiers,
		Config:     cfg.Agent,
		Logger:     logger,
	})

	handler := api.NewHandler(orch, ledger, models, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("IESO agent listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down IESO agent...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// emptySource stands in when no database is configured. Freshness reads
// it as unknown and forecasting fails with a clear no-data message.
type emptySource struct{}

func (emptySource) Query(context.Context, time.Time, time.Time) ([]forecast.Point, error) {
	return nil, nil
}

func (emptySource) LatestTimestamp(context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (emptySource) Summary(context.Context) (*store.DemandSummary, error) {
	return &store.DemandSummary{}, nil
}
