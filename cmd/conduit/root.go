package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/history"
	"github.com/conduit-ai/conduit/internal/loop"
	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/internal/stats"
	"github.com/conduit-ai/conduit/internal/subagent"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conduit",
		Short: "Talk to your tools in plain language",
		Long: `Conduit routes natural-language requests across MCP tool servers
(database, source control, filesystem), with feedback-gated caching
and multi-step execution.`,
		SilenceUsage: true,
	}

	defaultConfig := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultConfig = filepath.Join(home, ".conduit", "config.toml")
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfig,
		"path to config file")

	root.AddCommand(newAskCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newRateCmd())
	root.AddCommand(newServersCmd())
	root.AddCommand(newStatsCmd())

	return root
}

// app bundles everything a command needs, plus teardown.
type app struct {
	cfg     *config.Config
	service *agent.Service
	manager *backend.Manager
	hist    *history.Store
	log     *zap.Logger
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.hist != nil {
		a.hist.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildApp assembles the full service: config, logger, backends,
// model, delegate, cache, history.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	servers, err := backend.LoadServers(cfg.Backends.ConfigFile)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	manager := backend.NewManager(
		time.Duration(cfg.Backends.ConnectTimeoutSecs)*time.Second, logger)
	manager.Connect(ctx, servers)
	if len(manager.Servers()) == 0 {
		logger.Warn("no backends connected, queries will use the model alone",
			zap.String("config", cfg.Backends.ConfigFile))
	}

	planner := model.NewOpenRouterClient(&model.OpenRouterConfig{
		APIKey:      cfg.APIKey(),
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		Timeout:     time.Duration(cfg.Model.TimeoutSecs) * time.Second,
		MaxAttempts: 3,
	})
	if !planner.IsAvailable() {
		manager.Close()
		logger.Sync()
		return nil, apperrors.User(apperrors.CodeModelUnavailable,
			"no usable model configured")
	}

	runner := backend.NewRunner(manager, planner, cfg.Agent.MaxToolSteps, logger)

	registry := subagent.NewRegistry()
	for _, name := range manager.Servers() {
		registry.Register(subagent.New(name, runner, logger))
	}

	a := &app{
		cfg:     cfg,
		manager: manager,
		log:     logger,
	}

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.Open(cfg.Cache.File, logger)
	}

	hist, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
	} else {
		a.hist = hist
	}

	a.service = agent.NewService(agent.Config{
		Cache:  responseCache,
		Router: router.New(registry, planner, logger),
		Loop: loop.New(runner, planner, manager.Servers(), loop.Config{
			MaxIterations:     cfg.Agent.MaxIterations,
			MaxRetriesPerStep: cfg.Agent.MaxRetriesPerStep,
		}, logger),
		Delegate: runner,
		Registry: registry,
		History:  a.hist,
		Stats:    stats.NewCollector(),
		Log:      logger,
	})

	return a, nil
}
