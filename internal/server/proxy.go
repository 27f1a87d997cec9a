package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// RegisterTunnel announces the worker's external host to the webhook proxy
// so tracker events can be forwarded. A missing proxy URL is not an error;
// the worker then expects direct webhook delivery.
func RegisterTunnel(ctx context.Context, cfg commoncfg.ProxyConfig, externalHost string, client *http.Client, log *logger.Logger) error {
	if cfg.URL == "" {
		log.Debug("no proxy configured, expecting direct webhook delivery")
		return nil
	}
	if externalHost == "" {
		return fmt.Errorf("proxy registration requires server.externalHost")
	}
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(map[string]string{"externalHost": externalHost})
	if err != nil {
		return fmt.Errorf("failed to encode registration payload: %w", err)
	}

	endpoint := strings.TrimSuffix(cfg.URL, "/") + "/edge/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy registration rejected with status %d", resp.StatusCode)
	}

	log.Info("registered with webhook proxy",
		zap.String("proxy", cfg.URL),
		zap.String("external_host", externalHost))
	return nil
}
