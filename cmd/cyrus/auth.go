package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ceedaragents/cyrus/internal/admin"
	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/server"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Cyrus with the issue tracker via the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runAuth(cmd.Context(), configDir)
		},
	}
}

func runAuth(ctx context.Context, configDir string) error {
	cfg, err := commoncfg.LoadWithPath(configDir)
	if err != nil {
		return usageErr("invalid configuration: %v", err)
	}
	if cfg.Proxy.URL == "" {
		return usageErr("authorization needs a proxy: set PROXY_URL or proxy.url in cyrus.yaml")
	}

	log, err := logger.New(logger.Config{Level: "warn", Format: "text", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// The callback lands on the local server; the proxy redirects here
	// after the tracker approves.
	srv := server.New(cfg.Server, log)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	go func() { _ = srv.Run(serverCtx) }()

	state := uuid.New().String()
	callback := fmt.Sprintf("http://localhost:%d/callback", cfg.Server.Port)
	authorizeURL := fmt.Sprintf("%s/oauth/authorize?state=%s&redirect=%s",
		cfg.Proxy.URL, state, url.QueryEscape(callback))

	fmt.Println("Open this URL in your browser to authorize Cyrus:")
	fmt.Println()
	fmt.Println("  " + authorizeURL)
	fmt.Println()
	fmt.Println("Waiting for authorization...")

	params, err := srv.OAuth().Wait(ctx, state)
	if err != nil {
		return err
	}
	token := params.Get("token")
	if token == "" {
		token = params.Get("code")
	}
	if token == "" {
		return usageErr("the callback carried no token; retry the authorization")
	}

	env := admin.NewEnvStore(cfg.Home)
	if err := env.Set(map[string]string{"LINEAR_API_TOKEN": token}); err != nil {
		return err
	}

	fmt.Println("Authorization complete. Token saved to " + env.Path())
	return nil
}
