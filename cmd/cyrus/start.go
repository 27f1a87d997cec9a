package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/admin"
	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/edgeworker"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/store"
	"github.com/ceedaragents/cyrus/internal/tracing"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the edge worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runStart(cmd.Context(), configDir)
		},
	}
}

func runStart(ctx context.Context, configDir string) error {
	cfg, err := commoncfg.LoadWithPath(configDir)
	if err != nil {
		return usageErr("invalid configuration: %v", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	// Secrets persisted through the admin API take effect on restart.
	env := admin.NewEnvStore(cfg.Home)
	if vars, err := env.Load(); err == nil {
		for key, value := range vars {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	st, err := store.New(db)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return err
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	manager := config.NewManager(filepath.Join(cfg.Home, "config.json"), eventBus, log)
	if err := manager.Load(); err != nil {
		return usageErr("could not load %s: %v", filepath.Join(cfg.Home, "config.json"), err)
	}

	worker, err := edgeworker.New(cfg, manager, eventBus, st, workerOptions(), log)
	if err != nil {
		return err
	}

	adminAPI := admin.New(cfg.Admin, manager, worker.Registry(), eventBus, env, log)
	adminAPI.Register(worker.Server().Engine())

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting cyrus edge worker",
		zap.String("home", cfg.Home),
		zap.Int("port", cfg.Server.Port))
	err = worker.Run(runCtx)
	if shutdownErr := tracing.Shutdown(context.Background()); shutdownErr != nil {
		log.Warn("tracing shutdown failed", zap.Error(shutdownErr))
	}
	return err
}

// workerOptions collects surface credentials and runner selection from the
// environment.
func workerOptions() edgeworker.Options {
	mcpPort := 0
	if raw := os.Getenv("CYRUS_MCP_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			mcpPort = port
		}
	}
	return edgeworker.Options{
		TrackerWebhookSecret: os.Getenv("LINEAR_WEBHOOK_SECRET"),
		TrackerWebhookToken:  os.Getenv("CYRUS_WEBHOOK_TOKEN"),
		SlackSigningSecret:   os.Getenv("SLACK_SIGNING_SECRET"),
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackBotUserID:       os.Getenv("SLACK_BOT_USER_ID"),
		GitHubWebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubBotLogin:       os.Getenv("GITHUB_BOT_LOGIN"),
		DiscordBotToken:      os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordFeedChannel:   os.Getenv("DISCORD_FEED_CHANNEL"),
		RunnerKind:           os.Getenv("CYRUS_RUNNER"),
		RunnerExecutable:     os.Getenv("CYRUS_RUNNER_EXECUTABLE"),
		Model:                os.Getenv("CYRUS_MODEL"),
		PromptsDir:           os.Getenv("CYRUS_PROMPTS_DIR"),
		MCPPort:              mcpPort,
	}
}
