package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
	"github.com/poemonsense/codex-account-proxy/internal/orchestrator"
)

// Server is the gin-based HTTP shell around one Orchestrator: the
// transport a host process would put in front of loader()'s fetch when it
// drives the proxy over the wire rather than in-process.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	http    *http.Server
	manager *account.Manager
}

// New builds a Server with routes registered but not yet listening.
func New(cfg *config.Config, manager *account.Manager, o *orchestrator.Orchestrator) *Server {
	if !cfg.Debug && !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(requestLoggingMiddleware())

	engine.GET("/healthz", healthHandler(manager))

	v1 := engine.Group("/v1")
	v1.Use(apiKeyAuthMiddleware(cfg))
	v1.POST("/responses", responsesHandler(o))
	v1.GET("/models", modelsHandler())
	v1.GET("/accounts/status", accountsStatusHandler(manager))

	return &Server{
		cfg:     cfg,
		engine:  engine,
		manager: manager,
	}
}

// Engine exposes the underlying gin engine, for a caller that wants to
// mount additional routes before Start.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start begins serving on cfg.Host:cfg.Port in a background goroutine and
// returns immediately; call Shutdown to stop it.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long enough for a slow streamed response
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logging.Info("httpapi: listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("httpapi: server stopped unexpectedly: %v", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server, waiting up to ctx's deadline
// for in-flight requests (including streamed ones) to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
