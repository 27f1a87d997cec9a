package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

const tokenCheckTimeout = 15 * time.Second

func newCheckTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-tokens",
		Short: "Verify every repository's tracker token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runCheckTokens(cmd.Context(), configDir)
		},
	}
}

func runCheckTokens(ctx context.Context, configDir string) error {
	manager, _, err := openManager(configDir)
	if err != nil {
		return err
	}
	cfg := manager.Get()
	if len(cfg.Repositories) == 0 {
		return usageErr("no repositories configured")
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Tokens are checked once each; repositories sharing a token share the
	// result.
	type result struct {
		viewer string
		err    error
	}
	checked := make(map[string]result)
	failures := 0

	for _, repo := range cfg.Repositories {
		res, ok := checked[repo.TokenMaterial]
		if !ok {
			svc, _ := tracker.NewService(repo.TokenMaterial, log)
			checkCtx, cancel := context.WithTimeout(ctx, tokenCheckTimeout)
			viewer, err := svc.Viewer(checkCtx)
			cancel()
			if err != nil {
				res = result{err: err}
			} else {
				res = result{viewer: viewer.Name}
			}
			checked[repo.TokenMaterial] = res
		}

		if res.err != nil {
			failures++
			fmt.Printf("✗ %s (%s): %v\n", repo.Name, config.MaskToken(repo.TokenMaterial), res.err)
		} else {
			fmt.Printf("✓ %s (%s): authenticated as %s\n", repo.Name, config.MaskToken(repo.TokenMaterial), res.viewer)
		}
	}

	if failures > 0 {
		return usageErr("%d of %d repositories failed the token check", failures, len(cfg.Repositories))
	}
	return nil
}

func newSetCustomerIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-customer-id <id>",
		Short: "Record the billing customer id in the configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runSetCustomerID(cmd.Context(), configDir, args[0])
		},
	}
}

func runSetCustomerID(ctx context.Context, configDir, customerID string) error {
	if customerID == "" {
		return usageErr("customer id must not be empty")
	}
	manager, _, err := openManager(configDir)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(customerID)
	if err != nil {
		return err
	}
	if err := manager.Update(ctx, map[string]json.RawMessage{"customerId": raw}); err != nil {
		return err
	}
	fmt.Println("Customer id saved.")
	return nil
}

// openManager loads the static config and the dynamic document for CLI
// commands that act on config.json.
func openManager(configDir string) (*config.Manager, *commoncfg.Config, error) {
	cfg, err := commoncfg.LoadWithPath(configDir)
	if err != nil {
		return nil, nil, usageErr("invalid configuration: %v", err)
	}
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		return nil, nil, err
	}
	manager := config.NewManager(filepath.Join(cfg.Home, "config.json"), nil, log)
	if err := manager.Load(); err != nil {
		return nil, nil, usageErr("could not load config.json: %v", err)
	}
	return manager, cfg, nil
}
