// Package http serves the ingestd API: search, uploads, re-index, deletion,
// job progress, reconciliation reports, health and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/intake"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/reconcile"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

// Searcher runs similarity search, optionally reranked.
type Searcher interface {
	SearchText(ctx context.Context, name, query string, limit int, filter *vectorindex.Filter) ([]vectorindex.Result, error)
	SearchWithRerank(ctx context.Context, name, query string, limit int, filter *vectorindex.Filter, fetchK int) ([]vectorindex.Result, error)
}

// Files accepts uploads, re-index requests and deletions.
type Files interface {
	Upload(ctx context.Context, u intake.Upload) (*metadata.FileRecord, error)
	Reindex(ctx context.Context, tenantID, fileID string) (*metadata.FileRecord, error)
	Delete(ctx context.Context, tenantID, fileID string) (int, error)
	DeleteProject(ctx context.Context, tenantID, projectID string) (int, error)
}

// FileLookup reads file records.
type FileLookup interface {
	GetFile(ctx context.Context, id string) (*metadata.FileRecord, error)
}

// ProgressReader reads job progress and outcomes.
type ProgressReader interface {
	Progress(ctx context.Context, fileID string) (int, bool, error)
	Result(ctx context.Context, fileID string) (*progress.JobResult, bool, error)
}

// Reconciler produces drift reports.
type Reconciler interface {
	Run(ctx context.Context, tenantID string) (*reconcile.Report, error)
}

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

var (
	_ Searcher       = (*vectorindex.Service)(nil)
	_ Files          = (*intake.Service)(nil)
	_ FileLookup     = (*metadata.Store)(nil)
	_ ProgressReader = (*progress.Store)(nil)
	_ Reconciler     = (*reconcile.Reconciler)(nil)
)

// Deps are the services behind the routes.
type Deps struct {
	Search     Searcher
	Files      Files
	Lookup     FileLookup
	Progress   ProgressReader
	Reconciler Reconciler
	// Telemetry is reported on /health when set.
	Telemetry *telemetry.Telemetry
	// Checks are run by /health; any failure reports 503.
	Checks map[string]Check
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// CollectionPrefix prefixes tenant collection names. Default: "docs"
	CollectionPrefix string
	// MaxUploadSize bounds the multipart request body. Default: 101 MiB
	MaxUploadSize int64
	// HealthTimeout bounds all health checks together. Default: 2s
	HealthTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = tenant.DefaultPrefix
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = intake.DefaultMaxFileSize + 1<<20
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Search == nil || deps.Files == nil || deps.Lookup == nil || deps.Progress == nil || deps.Reconciler == nil {
		return nil, errors.New("http: search, files, lookup, progress and reconciler are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Port: 8080}
	}
	cfg.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id into the request context and logs
// each request once it completes.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if t := c.Param("tenant"); t != "" {
			ctx = logging.WithTenant(ctx, t)
		}
		c.SetRequest(req.WithContext(ctx))

		err := next(c)

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	t := s.echo.Group("/api/v1/tenants/:tenant")
	t.POST("/search", s.handleSearch)
	t.POST("/files", s.handleUpload)
	t.POST("/files/:file/reindex", s.handleReindex)
	t.DELETE("/files/:file", s.handleDelete)
	t.DELETE("/projects/:project", s.handleDeleteProject)
	t.GET("/files/:file/progress", s.handleProgress)
	t.GET("/reconcile", s.handleReconcile)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.echo.Listener = ln
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", ln.Addr().String()))

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
