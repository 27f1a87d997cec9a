// Package edgeworker assembles the whole worker: inbound transports feed
// the router, the router's intents go through the dispatcher, and the
// dispatcher calls back into the worker to spawn runners, wire sinks, and
// supervise sessions to completion.
package edgeworker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/dispatcher"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/mcp"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/server"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/sink"
	"github.com/ceedaragents/cyrus/internal/store"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/transport"
)

// Options carries the secrets and runner selection that come from the
// environment rather than the config document.
type Options struct {
	// Tracker webhook verification. Secret selects HMAC, Token selects
	// bearer comparison; either alone enables the transport.
	TrackerWebhookSecret string
	TrackerWebhookToken  string

	SlackSigningSecret string
	SlackBotToken      string
	SlackBotUserID     string

	GitHubWebhookSecret string
	GitHubBotLogin      string

	// Discord operations feed: terminal session transitions are announced
	// to this channel when both values are set.
	DiscordBotToken    string
	DiscordFeedChannel string

	// RunnerKind selects the agent CLI adapter; empty means claude.
	RunnerKind       string
	RunnerExecutable string
	Model            string

	// PromptsDir holds the custom prompt templates; empty means
	// <home>/prompts.
	PromptsDir string

	// MCPPort binds the embedded MCP server; 0 picks a free port.
	MCPPort int
}

// Worker owns every long-lived component and the goroutines that supervise
// agent sessions.
type Worker struct {
	cfg     *commoncfg.Config
	opts    Options
	manager *config.Manager
	bus     bus.EventBus
	store   *store.Store

	registry   *session.Registry
	workspaces *session.WorkspaceManager
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	httpServer *server.Server
	mcpServer  *mcp.Server
	logger     *logger.Logger

	// runCtx outlives individual requests; burst timers, pumps, and
	// supervision loops run on it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu sync.Mutex
	// trackers caches tracker clients by token material.
	trackers map[string]tracker.Service
	// lastRepos snapshots repository path and token per id so a config
	// change can tell routing-only edits from ones that invalidate
	// sessions.
	lastRepos map[string]config.Repository

	// feedPump delivers operational announcements to Discord, when
	// configured.
	feedPump *sink.Pump

	wg sync.WaitGroup
}

// New wires the worker. Transports are attached only for surfaces whose
// credentials are present.
func New(cfg *commoncfg.Config, manager *config.Manager, eventBus bus.EventBus, st *store.Store, opts Options, log *logger.Logger) (*Worker, error) {
	runCtx, runCancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:       cfg,
		opts:      opts,
		manager:   manager,
		bus:       eventBus,
		store:     st,
		logger:    log.WithFields(zap.String("component", "edgeworker")),
		runCtx:    runCtx,
		runCancel: runCancel,
		trackers:  make(map[string]tracker.Service),
		lastRepos: make(map[string]config.Repository),
	}

	workspaces, err := session.NewWorkspaceManager(cfg.Workspace, log)
	if err != nil {
		runCancel()
		return nil, err
	}
	w.workspaces = workspaces
	w.registry = session.NewRegistry(st, eventBus, log)
	w.router = router.New(w.configSnapshot, w.registry, w.trackerFor, cfg.Router, st, log)
	w.dispatcher = dispatcher.New(runCtx, cfg.Dispatcher, cfg.Runner.SpawnRetry, w.registry, dispatcher.LauncherFunc(w.launch), log)

	w.httpServer = server.New(cfg.Server, log)
	w.attachTransports(log)

	w.mcpServer = mcp.New(mcp.Config{Port: opts.MCPPort}, mcp.Deps{
		Registry:   w.registry,
		TrackerFor: w.trackerForRepository,
	}, log)

	if opts.DiscordBotToken != "" && opts.DiscordFeedChannel != "" {
		dg, err := discordgo.New("Bot " + opts.DiscordBotToken)
		if err != nil {
			runCancel()
			return nil, err
		}
		w.feedPump = sink.NewPump(sink.NewDiscordSink(dg, opts.DiscordFeedChannel, log), log)
	}

	manager.OnChange(w.onConfigChange)
	return w, nil
}

// Server exposes the HTTP server so callers can register extra routes
// (admin API) before Run.
func (w *Worker) Server() *server.Server { return w.httpServer }

// Registry exposes the session arena for the admin API.
func (w *Worker) Registry() *session.Registry { return w.registry }

// MCPEndpoint returns the embedded MCP server URL, valid after Run starts.
func (w *Worker) MCPEndpoint() string { return w.mcpServer.Endpoint() }

func (w *Worker) attachTransports(log *logger.Logger) {
	if w.opts.TrackerWebhookSecret != "" || w.opts.TrackerWebhookToken != "" {
		w.httpServer.Attach(transport.NewTrackerWebhook(
			w.opts.TrackerWebhookSecret, w.opts.TrackerWebhookToken, w.HandleEvent, log))
	}
	if w.opts.SlackSigningSecret != "" {
		w.httpServer.Attach(transport.NewSlackTransport(
			w.opts.SlackSigningSecret, w.opts.SlackBotUserID, w.HandleEvent, log))
	}
	if w.opts.GitHubWebhookSecret != "" {
		w.httpServer.Attach(transport.NewGitHubTransport(
			w.opts.GitHubWebhookSecret, w.opts.GitHubBotLogin, w.HandleEvent, log))
	}
}

// Run serves until ctx is cancelled, then drains sessions and sinks within
// the shutdown grace.
func (w *Worker) Run(ctx context.Context) error {
	w.seedRepoSnapshot()

	if err := w.mcpServer.Start(ctx); err != nil {
		return err
	}
	if w.feedPump != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.feedPump.Run(w.runCtx)
		}()
	}
	if err := w.manager.StartWatching(w.runCtx); err != nil {
		w.logger.Warn("config watcher unavailable, hot reload disabled", zap.Error(err))
	}

	go func() {
		client := &http.Client{Timeout: 15 * time.Second}
		if err := server.RegisterTunnel(ctx, w.cfg.Proxy, w.cfg.Server.ExternalHost, client, w.logger); err != nil {
			w.logger.Warn("proxy registration failed", zap.Error(err))
		}
	}()

	err := w.httpServer.Run(ctx)
	w.shutdown()
	return err
}

// HandleEvent is the transport handler: route, log anomalies, dispatch.
func (w *Worker) HandleEvent(ctx context.Context, event *transport.InboundEvent) {
	intent, err := w.router.Route(ctx, event)
	if err != nil {
		w.logger.Error("route failed",
			zap.String("transport", event.TransportKind),
			zap.String("envelope_id", event.EnvelopeID),
			zap.Error(err))
		return
	}
	for _, warning := range intent.Warnings {
		w.logger.Warn("routing warning",
			zap.String("envelope_id", event.EnvelopeID),
			zap.String("warning", warning))
	}
	if err := w.dispatcher.Dispatch(ctx, intent); err != nil {
		w.logger.Error("dispatch failed",
			zap.String("action", intent.Action),
			zap.String("repository_id", intent.Repository.ID),
			zap.Error(err))
	}
}

// configSnapshot adapts the manager's by-value Get for the router.
func (w *Worker) configSnapshot() *config.Config {
	cfg := w.manager.Get()
	return &cfg
}

// trackerFor returns the cached tracker client for a token.
func (w *Worker) trackerFor(tokenMaterial string) tracker.Service {
	w.mu.Lock()
	defer w.mu.Unlock()
	if svc, ok := w.trackers[tokenMaterial]; ok {
		return svc
	}
	svc, kind := tracker.NewService(tokenMaterial, w.logger)
	w.logger.Debug("tracker client created", zap.String("kind", kind))
	w.trackers[tokenMaterial] = svc
	return svc
}

// trackerForRepository resolves the repository's token first; unknown
// repositories get the no-op client.
func (w *Worker) trackerForRepository(repositoryID string) tracker.Service {
	cfg := w.manager.Get()
	repo, ok := cfg.FindRepository(repositoryID)
	if !ok {
		return w.trackerFor("")
	}
	return w.trackerFor(repo.TokenMaterial)
}

func (w *Worker) runnerKind() string {
	if w.opts.RunnerKind != "" {
		return w.opts.RunnerKind
	}
	return "claude"
}

// shutdown order: intake is already closed by the HTTP server; stop
// runners, let supervision loops drain their pumps, then tear down the
// embedded services.
func (w *Worker) shutdown() {
	grace := w.cfg.Server.ShutdownGraceDuration()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for _, sess := range w.registry.ListLive() {
		if r := w.registry.Runner(sess.ID); r != nil && r.IsRunning() {
			if err := r.Stop(ctx); err != nil {
				w.logger.Warn("runner stop failed during shutdown",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}
	w.dispatcher.Close()
	if w.feedPump != nil {
		if err := w.feedPump.Close(ctx); err != nil {
			w.logger.Warn("feed pump did not drain", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("shutdown grace expired with sessions still draining")
	}

	w.runCancel()
	if err := w.mcpServer.Stop(ctx); err != nil {
		w.logger.Warn("mcp shutdown failed", zap.Error(err))
	}
	w.manager.StopWatching()
}
