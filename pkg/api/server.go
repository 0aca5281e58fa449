// Package api exposes the HTTP surface: pipeline CRUD, decision
// submission, health, Prometheus metrics, and the WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgate/flowgate/pkg/conductor"
	"github.com/flowgate/flowgate/pkg/stream"
)

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end over the conductor and the event stream.
type Server struct {
	svc         *conductor.Service
	connManager *stream.ConnectionManager
	opts        Options

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(svc *conductor.Service, connManager *stream.ConnectionManager, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		svc:         svc,
		connManager: connManager,
		opts:        opts,
		engine:      engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/api/v1/health", s.healthHandler)
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/pipelines", s.createPipelineHandler)
		v1.GET("/pipelines", s.listPipelinesHandler)
		v1.GET("/pipelines/:id", s.getPipelineHandler)
		v1.POST("/pipelines/:id/start", s.startPipelineHandler)
		v1.POST("/pipelines/:id/cancel", s.cancelPipelineHandler)
		v1.POST("/decisions", s.submitDecisionHandler)
	}

	s.engine.GET("/ws", s.wsHandler)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
