package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/barnwatch/internal/audit"
	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/service"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// Server is the read-only status API
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	addr       string

	sites     SiteLister      // Optional site supervision status
	history   History         // Optional audit history
	images    ImageReader     // Optional image store
	lanes     LaneStatser     // Optional scheduler statistics
	configSvc *config.Service // Optional config service
	metrics   http.Handler    // Optional Prometheus handler
	health    http.Handler    // Optional health endpoints
	svcMgr    *service.Manager

	version   string
	startTime time.Time
}

// SiteLister returns the supervision status of every site
type SiteLister interface {
	Sites() []stream.Status
}

// History reads the audit log
type History interface {
	ListOccurrences(ctx context.Context, q audit.Query) ([]audit.Record, error)
	GetOccurrence(ctx context.Context, id string) (*audit.Record, error)
}

// ImageReader loads stored occurrence images
type ImageReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// LaneStatser reports per-channel delivery counts
type LaneStatser interface {
	Stats() []notify.LaneStats
}

// Dependencies groups the optional collaborators of the API
type Dependencies struct {
	Sites    SiteLister
	History  History
	Images   ImageReader
	Lanes    LaneStatser
	Config   *config.Service
	Metrics  http.Handler
	Health   http.Handler
	Services *service.Manager
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	return &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
	}
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetDependencies wires the collaborators and registers the routes
func (s *Server) SetDependencies(deps Dependencies) {
	s.sites = deps.Sites
	s.history = deps.History
	s.images = deps.Images
	s.lanes = deps.Lanes
	s.configSvc = deps.Config
	s.metrics = deps.Metrics
	s.health = deps.Health
	s.svcMgr = deps.Services
	s.setupRoutes()
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web server listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", s.addr)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", s.addr)
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		sites := api.Group("/sites")
		{
			sites.GET("", s.handleListSites)
			sites.GET("/:id", s.handleGetSite)
		}

		occurrences := api.Group("/occurrences")
		{
			occurrences.GET("", s.handleListOccurrences)
			occurrences.GET("/:id", s.handleGetOccurrence)
			occurrences.GET("/:id/image", s.handleGetOccurrenceImage)
		}

		api.GET("/channels", s.handleListChannels)
		api.GET("/config", s.handleGetConfig)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.health != nil {
		for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/services"} {
			s.router.GET(path, gin.WrapH(s.health))
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware allows read access from the local network
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
