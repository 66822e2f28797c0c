package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring"
	"github.com/evanfang0054/knowledge-base-mcp/engine/knowledge"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/version"
	"github.com/gin-gonic/gin"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"

	defaultKeepAlive = 15 * time.Second
)

// Config holds server configuration
type Config struct {
	Transport       string
	Host            string
	Port            int
	PortAttempts    int
	MaxSessions     int
	SessionTimeout  time.Duration
	KeepAlive       time.Duration
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Transport:       TransportStdio,
		Host:            "0.0.0.0",
		Port:            3000,
		PortAttempts:    10,
		MaxSessions:     100,
		SessionTimeout:  30 * time.Minute,
		KeepAlive:       defaultKeepAlive,
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportSSE:
	default:
		return fmt.Errorf("invalid transport %q: expected stdio, http or sse", c.Transport)
	}
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PortAttempts < 1 {
		return errors.New("port attempts must be at least 1")
	}
	return nil
}

// DifyConfigFunc returns the upstream settings a new session should use. It is
// read on every session open so reloaded configuration takes effect.
type DifyConfigFunc func() dify.Config

// Server is the transport front-end. Every session gets its own MCP server
// instance; all of them share the Registry.
type Server struct {
	Router     *gin.Engine
	config     *Config
	registry   *knowledge.Registry
	difyConfig DifyConfigFunc
	monitoring *monitoring.Service
	sessions   *SessionTable
	httpServer *http.Server

	mu        sync.Mutex
	listener  net.Listener
	closing   chan struct{}
	closeOnce sync.Once
}

type Option func(*Server)

// WithMonitoring adds HTTP metrics and serves the exporter when it is initialized.
func WithMonitoring(service *monitoring.Service) Option {
	return func(s *Server) {
		s.monitoring = service
	}
}

func NewServer(ctx context.Context, cfg *Config, registry *knowledge.Registry, difyConfig DifyConfigFunc, opts ...Option) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		Router:     router,
		config:     cfg,
		registry:   registry,
		difyConfig: difyConfig,
		sessions:   NewSessionTable(cfg.MaxSessions),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	router.Use(gin.Recovery())
	router.Use(requestContextMiddleware(logger.FromContext(ctx)))
	router.Use(loggerMiddleware())
	if s.monitoring != nil {
		router.Use(s.monitoring.Middleware())
	}
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	// No server-wide write timeout: SSE streams are long-lived.
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.Router.GET("/healthz", s.healthzHandler)
	s.Router.Any("/mcp", s.streamableHandler)
	s.Router.GET("/sse", s.sseHandler)
	s.Router.POST("/messages", s.messageHandler)
	if s.monitoring != nil && s.monitoring.Enabled() {
		s.Router.GET(s.monitoring.Path(), gin.WrapH(s.monitoring.Handler()))
	}
	s.Router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "route not found"})
	})
}

func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Version,
	})
}

// Sessions exposes the streamed-channel table.
func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

// Addr returns the bound address once Start has opened the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener, retrying on the next port while the address is
// in use, then serves until ctx is canceled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)
	ln, err := listen(ctx, s.config.Host, s.config.Port, s.config.PortAttempts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.httpServer.BaseContext = func(net.Listener) context.Context {
		return context.WithoutCancel(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		errChan <- nil
	}()

	base := fmt.Sprintf("http://%s", ln.Addr().String())
	switch s.config.Transport {
	case TransportSSE:
		log.Info("MCP server listening", "transport", s.config.Transport,
			"sse", base+"/sse", "messages", base+"/messages", "health", base+"/healthz")
	default:
		log.Info("MCP server listening", "transport", s.config.Transport,
			"mcp", base+"/mcp", "health", base+"/healthz")
	}

	select {
	case <-ctx.Done():
		log.Debug("Context canceled, shutting down server")
		return s.Stop(context.WithoutCancel(ctx))
	case err := <-errChan:
		if err != nil {
			log.Error("HTTP server failed", "error", err)
			if stopErr := s.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				log.Error("Failed to stop server after HTTP failure", "error", stopErr)
			}
			return err
		}
		return nil
	}
}

// Stop closes open streams and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("Shutting down MCP server", "open_sessions", s.sessions.Len())
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.closeOnce.Do(func() { close(s.closing) })
	s.sessions.CloseAll()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
		return err
	}
	log.Info("MCP server stopped gracefully")
	return nil
}

// Run serves the configured transport until ctx is canceled.
func (s *Server) Run(ctx context.Context, stdio StdioStreams) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.config.Transport == TransportStdio {
		return s.ServeStdio(ctx, stdio.In, stdio.Out)
	}
	return s.Start(ctx)
}
