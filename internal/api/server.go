package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/fetcher"
	"github.com/proxy-fetch-cache/internal/metrics"
	"github.com/proxy-fetch-cache/internal/pool"
	"github.com/proxy-fetch-cache/internal/ratelimit"
	"github.com/proxy-fetch-cache/internal/resume"
	"github.com/proxy-fetch-cache/internal/runner"
	"github.com/proxy-fetch-cache/internal/snapshot"
	log "github.com/sirupsen/logrus"
)

const maxGetProxyWait = 60 * time.Second

// Deps are the components the API exposes. Snapshot, Ledger, Metrics and
// Gatherer are optional.
type Deps struct {
	Pool     *pool.Pool
	Fetcher  *fetcher.Fetcher
	Snapshot *snapshot.Manager
	Ledger   *resume.Ledger
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
}

type Server struct {
	config      *config.Config
	pool        *pool.Pool
	fetcher     *fetcher.Fetcher
	snapshot    *snapshot.Manager
	ledger      *resume.Ledger
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *ratelimit.Keyed
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        deps.Pool,
		fetcher:     deps.Fetcher,
		snapshot:    deps.Snapshot,
		ledger:      deps.Ledger,
		metrics:     deps.Metrics,
		gatherer:    deps.Gatherer,
		router:      router,
		rateLimiter: ratelimit.PerMinute(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		handler := promhttp.Handler()
		if s.gatherer != nil {
			handler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		}
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(handler))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/get-proxy", s.handleGetProxy)
	protected.POST("/proxies/good", s.handleReport(true))
	protected.POST("/proxies/bad", s.handleReport(false))
	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
	protected.POST("/prefetch", s.handlePrefetch)
	protected.GET("/cache", s.handleCache)
}

func (s *Server) Start() error {
	// prefetch batches and get-proxy waits hold the response open
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// route pattern, not the raw path, to keep label cardinality bounded
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		s.metrics.RecordAPIRequest(method, endpoint, strconv.Itoa(c.Writer.Status()))
		s.metrics.RecordAPIDuration(method, endpoint, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handleGetProxy checks a proxy out of the pool. wait is in seconds and
// defaults to the pool's configured wait.
func (s *Server) handleGetProxy(c *gin.Context) {
	wait := time.Duration(s.config.Pool.WaitMs) * time.Millisecond
	if raw := c.Query("wait"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wait parameter"})
			return
		}
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait > maxGetProxyWait {
		wait = maxGetProxyWait
	}

	proxy, ok := s.pool.Get(c.Request.Context(), wait)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No proxy available"})
		return
	}

	if c.Query("format") == "json" || strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, gin.H{"proxy": proxy})
		return
	}
	c.String(http.StatusOK, proxy+"\n")
}

type reportRequest struct {
	Proxy string `json:"proxy" form:"proxy"`
}

func (s *Server) handleReport(good bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reportRequest
		if err := c.ShouldBind(&req); err != nil || req.Proxy == "" {
			req.Proxy = c.Query("proxy")
		}
		if req.Proxy == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing proxy"})
			return
		}

		if !s.pool.Report(req.Proxy, good) {
			c.JSON(http.StatusConflict, gin.H{"error": "Proxy is not checked out", "proxy": req.Proxy})
			return
		}
		c.JSON(http.StatusOK, gin.H{"proxy": req.Proxy, "good": good})
	}
}

func (s *Server) handleStat(c *gin.Context) {
	response := gin.H{
		"pool": s.pool.Stats(),
	}
	if s.snapshot != nil {
		if last := s.snapshot.Last(); last != nil {
			response["snapshot_updated"] = last.Updated.Format(time.RFC3339)
		}
	}
	if s.fetcher != nil {
		response["cache_dir"] = s.fetcher.Cache().Root()
	}
	if s.ledger != nil {
		response["resume_done"] = s.ledger.Len()
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.pool.State() == pool.StateRefilling {
		c.JSON(http.StatusConflict, gin.H{"error": "Refill already in progress"})
		return
	}

	log.Info("Manual refill triggered via API")

	go func() {
		added, err := s.pool.Refill(context.Background())
		if err != nil {
			if errors.Is(err, pool.ErrRefillInProgress) {
				log.Info("Manual refill skipped: refill already in progress")
				return
			}
			log.Errorf("Manual refill failed: %v", err)
			return
		}
		log.Infof("Manual refill complete: %d proxies added", added)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Refill triggered",
	})
}

type prefetchRequest struct {
	URLs  []string `json:"urls" binding:"required"`
	Force bool     `json:"force"`
}

func (s *Server) handlePrefetch(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fetcher not configured"})
		return
	}

	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	opts := []runner.Option{runner.WithForce(req.Force)}
	if s.ledger != nil {
		opts = append(opts, runner.WithLedger(s.ledger))
	}
	report := runner.New(s.fetcher, s.config.Runner.MaxWorkers, opts...).Run(c.Request.Context(), req.URLs)

	c.JSON(http.StatusOK, gin.H{
		"cached":      len(report.Paths),
		"failed":      report.Failed,
		"resumed":     report.Resumed,
		"paths":       report.Paths,
		"failures":    report.Failures,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// handleCache serves the cached body for url. With fetch=1 a missing entry is
// fetched first.
func (s *Server) handleCache(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fetcher not configured"})
		return
	}

	target := c.Query("url")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	path, ok := s.fetcher.CachedPath(target)
	if !ok {
		if c.Query("fetch") != "1" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not cached"})
			return
		}
		result := s.fetcher.FetchAndCache(c.Request.Context(), target, false)
		if !result.OK() {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": result.Err.Error(),
				"kind":  result.Err.Kind.String(),
			})
			return
		}
		path = result.Path
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.File(path)
}
