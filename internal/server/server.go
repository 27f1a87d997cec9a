// Package server hosts the single HTTP listener shared by all transports,
// the OAuth callback receiver, and the admin surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/httpmw"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
	"github.com/ceedaragents/cyrus/internal/transport"
)

// Server is the shared application server. Transports and the admin API
// attach their routes before Run is called.
type Server struct {
	cfg    commoncfg.ServerConfig
	engine *gin.Engine
	httpd  *http.Server
	logger *logger.Logger
	oauth  *OAuthReceiver
}

// New builds the server with the standard middleware stack and the health
// and metrics endpoints.
func New(cfg commoncfg.ServerConfig, log *logger.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestID())
	engine.Use(httpmw.RequestLogger(log, "cyrus"))

	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: log.WithFields(zap.String("component", "server")),
		oauth:  NewOAuthReceiver(log),
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", metrics.Handler())
	s.oauth.Register(engine)
	return s
}

// Engine exposes the router for admin and transport registration.
func (s *Server) Engine() *gin.Engine { return s.engine }

// OAuth returns the callback receiver.
func (s *Server) OAuth() *OAuthReceiver { return s.oauth }

// Attach registers a transport's webhook routes.
func (s *Server) Attach(t transport.Transport) {
	t.Register(s.engine)
	s.logger.Info("transport registered", zap.String("kind", t.Kind()))
}

// Run serves until ctx is cancelled, then shuts down within the configured
// grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpd = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grace := s.cfg.ShutdownGraceDuration()
		if grace <= 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		s.logger.Info("http server shutting down")
		return s.httpd.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
