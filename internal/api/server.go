package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/cleanup"
	"github.com/cropio/usagegate/internal/config"
	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/gate"
	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/ratewindow"
	"github.com/cropio/usagegate/internal/store"
)

// Server represents the HTTP API server. It exposes the gate's admin and
// reporting surface and registers conversion routes behind the full
// middleware chain.
type Server struct {
	router     *gin.Engine
	config     *config.Config
	store      store.Store
	policies   *policy.Table
	ledger     *ledger.Ledger
	gate       *gate.Gate
	windows    *ratewindow.Store
	cleaner    *cleanup.Manager
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpServer *http.Server
}

// Router returns the gin router for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, st store.Store, policies *policy.Table, ldg *ledger.Ledger, g *gate.Gate, windows *ratewindow.Store, cleaner *cleanup.Manager, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router:   gin.New(),
		config:   cfg,
		store:    st,
		policies: policies,
		ledger:   ldg,
		gate:     g,
		windows:  windows,
		cleaner:  cleaner,
		metrics:  m,
		logger:   logger,
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Metrics and health need no authentication
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	var apiKeys []string
	if s.config.API.Auth.Enabled {
		apiKeys = s.config.API.Auth.APIKeys
	}
	authMiddleware := APIKeyAuth(apiKeys, s.config.API.Auth.HeaderName, s.logger)

	usageGroup := s.router.Group("")
	usageGroup.Use(authMiddleware)
	{
		usageGroup.GET("/quota/:user_id", s.handleGetQuota)
		usageGroup.GET("/usage/:user_id/report", s.handleUsageReport)
	}

	adminGroup := s.router.Group("/admin")
	adminGroup.Use(authMiddleware)
	{
		adminGroup.POST("/ratelimit/reset", s.handleRateLimitReset)
		adminGroup.POST("/cleanup", s.handleCleanup)
		adminGroup.PUT("/policies", s.handleUpdatePolicies)
		adminGroup.GET("/policies", s.handleListPolicies)
		adminGroup.GET("/stats", s.handleStats)
	}
}

// RegisterConversion mounts a conversion handler behind the full gate
// chain: sliding-window rate limit (when a rule is configured for the
// route), concurrent upload slots, quota and size checks, and the usage
// recorder. The handler itself performs the conversion.
func (s *Server) RegisterConversion(route, tool string, category models.ToolCategory, checkFileSize bool, handler gin.HandlerFunc) {
	chain := make([]gin.HandlerFunc, 0, 5)
	if rule, ok := s.config.RateLimit.RuleFor(route); ok {
		chain = append(chain, s.gate.RateLimit(route, rule.Window, rule.Limit))
	}
	chain = append(chain,
		s.gate.ConcurrentUploads(),
		s.gate.QuotaRequired(tool, category, checkFileSize),
		s.gate.TrackConversion(tool, category),
		handler,
	)
	s.router.POST(route, chain...)
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)

	if s.httpServer == nil {
		s.httpServer = &http.Server{
			Addr:              addr,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	if s.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", "error", err.Error())
				errs <- &errors.ErrServerShutdown{Err: err}
			}
		}()
	}

	if s.cleaner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cleaner.Stop()
		}()
	}

	if s.windows != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.windows.StopSweeper()
		}()
	}

	if s.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Close(); err != nil {
				errs <- fmt.Errorf("store close: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errs)
	var errList []error
	for err := range errs {
		if err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleGetQuota returns the current quota status for a user. The tier is
// taken from the query string because this endpoint serves operators, not
// end-user sessions.
func (s *Server) handleGetQuota(c *gin.Context) {
	userID := c.Param("user_id")
	tier := models.ParseTier(c.Query("tier"))

	user := &models.User{ID: userID, Tier: tier, Authenticated: true}
	status := s.ledger.CheckQuota(user)
	c.JSON(http.StatusOK, status)
}

// handleUsageReport returns an aggregate usage report for a user.
func (s *Server) handleUsageReport(c *gin.Context) {
	userID := c.Param("user_id")

	days := 30
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}

	report, err := s.ledger.Report(userID, days)
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "usage report failed",
			"user_id", userID,
			"error", err.Error(),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build usage report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// RateLimitResetRequest selects which window to clear. An empty key
// clears every window.
type RateLimitResetRequest struct {
	Key string `json:"key"`
}

// handleRateLimitReset clears sliding-window state.
func (s *Server) handleRateLimitReset(c *gin.Context) {
	var req RateLimitResetRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Key == "" {
		s.windows.ResetAll()
	} else {
		s.windows.Reset(req.Key)
	}

	s.logger.InfoWithContext(c.Request.Context(), "rate limit windows reset", "key", req.Key)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "tracked_keys": s.windows.Len()})
}

// handleCleanup runs retention cleanup immediately.
func (s *Server) handleCleanup(c *gin.Context) {
	result, err := s.cleaner.RunCleanup()
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "manual cleanup failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ledger_entries_deleted": result.LedgerEntries,
		"usage_records_deleted":  result.UsageRecords,
	})
}

// handleUpdatePolicies replaces the tier policy table at runtime.
func (s *Server) handleUpdatePolicies(c *gin.Context) {
	var policies []models.TierPolicy
	if err := c.ShouldBindJSON(&policies); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.policies.Reload(policies); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.InfoWithContext(c.Request.Context(), "tier policies updated", "count", len(policies))
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleListPolicies returns the active tier policy table.
func (s *Server) handleListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, s.policies.Policies())
}

// handleStats returns store statistics.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}
