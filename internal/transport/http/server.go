package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"webshield/internal/importer"
	"webshield/internal/intercept"
	"webshield/internal/metrics"
	"webshield/internal/settings"
	"webshield/internal/store"
)

// Checker is the decision side of the interceptor.
type Checker interface {
	Decide(requestURL string) intercept.Decision
}

type Deps struct {
	Store        *store.Store
	Settings     *settings.Holder
	SettingsPath string
	Imports      *importer.Manager
	Checker      Checker
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	CORSOrigins []string
	RateLimit   RateLimitConfig
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RateLimit.RequestsPerSecond <= 0 {
		d.RateLimit = DefaultRateLimitConfig()
	}

	s := &Server{deps: d, logger: d.Logger.Named("http")}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), CORS(s.deps.CORSOrigins))

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := r.Group("/api/v1", RateLimit(s.deps.RateLimit))
	api.GET("/check", s.check)

	api.GET("/blocked", s.listEntries(store.Blocked))
	api.POST("/blocked", s.blockDomain)
	api.DELETE("/blocked/:domain", s.removeDomain(store.Blocked))

	api.GET("/allowed", s.listEntries(store.Allowed))
	api.POST("/allowed", s.allowDomain)
	api.DELETE("/allowed/:domain", s.removeDomain(store.Allowed))

	api.GET("/lists", s.listEntries(store.Lists))
	api.DELETE("/lists", s.removeList)

	api.GET("/export/:kind", s.export)
	api.POST("/import/:kind", s.importEntries)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.putSettings)

	api.GET("/imports", s.listImports)
	api.POST("/imports", s.startImport)
	api.GET("/imports/:id", s.getImport)
	api.DELETE("/imports/:id", s.cancelImport)
	api.GET("/imports/:id/events", s.importEvents)

	return r
}

// Run serves the API on addr and shuts down gracefully when ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// readyz reports the entry counts once the store is open.
func (s *Server) readyz(c *gin.Context) {
	if s.deps.Store == nil {
		c.String(http.StatusServiceUnavailable, "store not open")
		return
	}
	counts := gin.H{}
	for _, k := range store.Kinds {
		counts[string(k)] = s.deps.Store.Len(k)
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.deps.Metrics != nil {
			s.deps.Metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		}
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)))
	}
}
