// Package mcp runs the embedded MCP server agent subprocesses connect to
// for issue context and progress reporting. It serves both SSE and
// Streamable HTTP transports on one port so Claude- and Codex-style CLIs
// can both attach.
package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Config holds the embedded MCP server configuration.
type Config struct {
	Port int
}

// Deps are the worker-side capabilities the tools act on.
type Deps struct {
	Registry *session.Registry
	// TrackerFor resolves the tracker client serving a repository.
	TrackerFor func(repositoryID string) tracker.Service
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "mcp")),
	}
}

// Start begins serving and returns once the listener is up. Port 0 picks a
// free port, readable afterwards via Endpoint.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"cyrus-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("mcp server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down all transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down sse transport", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down streamable http transport", zap.Error(err))
		}
	}
	return nil
}

// Endpoint returns the Streamable HTTP URL for runner configuration.
func (s *Server) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.cfg.Port)
}

// SSEEndpoint returns the SSE URL for runners that only speak SSE.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/sse", s.cfg.Port)
}
