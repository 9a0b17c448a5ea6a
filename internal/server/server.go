// Package server provides the HTTP control surface of the buffer pool daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/config"
	"github.com/penguintechinc/hwbufferpool/internal/filter"
	"github.com/penguintechinc/hwbufferpool/internal/hwsim"
	"github.com/penguintechinc/hwbufferpool/internal/memory"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
)

// Version is reported by the status endpoint.
const Version = "1.0.0"

// ErrMissingDependency is returned by NewServer without a filter or region registry.
var ErrMissingDependency = errors.New("server needs a filter and a region registry")

// Dependencies are the components the server exposes. Filter and Regions are
// required; the rest may be nil.
type Dependencies struct {
	Filter    *filter.Filter
	Regions   *memory.Registry
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Journal   NegotiationLister
	Component *hwsim.Component
	Logger    *zap.Logger
}

// Server represents the HTTP server.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer creates a new HTTP server instance.
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Filter == nil || deps.Regions == nil {
		return nil, ErrMissingDependency
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	// Set Gin mode (use release mode for production)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Add recovery middleware
	router.Use(gin.Recovery())

	// Add logging and metrics middleware
	router.Use(loggingMiddleware())
	if deps.Metrics != nil {
		router.Use(metricsMiddleware(deps.Metrics))
	}

	handlers := NewHandlers(Version, deps)

	server := &Server{
		config:   cfg,
		router:   router,
		handlers: handlers,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("server"),
	}

	// Register routes
	server.registerRoutes(cfg.MetricsEnabled, deps.Gatherer)

	return server, nil
}

// Router returns the gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(metricsEnabled bool, gatherer prometheus.Gatherer) {
	// Health check endpoints
	s.router.GET("/healthz", s.handlers.HealthCheck)
	s.router.GET("/readyz", s.handlers.ReadinessCheck)

	// Metrics endpoint
	if metricsEnabled {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handlers.Status)

		// Pool endpoints
		v1.GET("/pool/stats", s.handlers.PoolStats)
		v1.POST("/pool/cycle", s.handlers.PoolCycle)
		v1.POST("/negotiate", s.handlers.Negotiate)
		v1.GET("/negotiations", s.handlers.Negotiations)

		// Memory region information
		v1.GET("/region/stats", s.handlers.RegionStats)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ServerHost, s.config.ServerPort)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// loggingMiddleware provides request logging.
func loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	})
}

// metricsMiddleware records request metrics.
func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		m.HTTPActiveRequests.Inc()
		defer m.HTTPActiveRequests.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", c.Writer.Status())

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), status, duration)
	}
}
