// Package admin exposes quota status, breaker state and health over HTTP.
package admin

import (
	"context"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentguard/internal/coordinator"
	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/internal/ratelimit"
	"github.com/NikhilSetiya/agentguard/internal/upstream"
	"github.com/NikhilSetiya/agentguard/pkg/health"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/metrics"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
	"github.com/NikhilSetiya/agentguard/pkg/tracing"
)

// QuotaReader reports a subject's current quota usage
type QuotaReader interface {
	Status(ctx context.Context, subject string) (map[ratelimit.Dimension][]ratelimit.DimensionStatus, error)
}

// Executor runs a unit of work under the resilience core
type Executor interface {
	Execute(ctx context.Context, subject, resource string, work coordinator.Work, timeout time.Duration) *coordinator.ExecutionResult
}

// WorkSource builds the unit of work for a call to a named upstream
type WorkSource interface {
	Work(resource string, req upstream.Request) (coordinator.Work, error)
}

// Dependencies are the services the admin API reads from. Everything except
// Quotas and Breakers is optional; the execute route needs both Executor and
// Upstreams.
type Dependencies struct {
	Quotas    QuotaReader
	Breakers  *resilience.BreakerRegistry
	Executor  Executor
	Upstreams WorkSource
	Ledger    ledger.Reader
	Health    *health.Service
	Metrics   *metrics.Metrics
	Tracer    *tracing.TracingService
	Logger    *logging.Logger
}

// Options configure the router
type Options struct {
	Debug        bool
	CORSOrigins  []string
	MaxBodyBytes int64
}

// NewRouter creates and configures the admin router
func NewRouter(deps Dependencies, opts Options) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logging.OrDefault(deps.Logger)
	h := &handlers{
		quotas:       deps.Quotas,
		breakers:     deps.Breakers,
		executor:     deps.Executor,
		upstreams:    deps.Upstreams,
		ledger:       deps.Ledger,
		logger:       logger,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1 << 20
	}
	if h.ledger == nil {
		h.ledger = ledger.NopRecorder{}
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(gin.Recovery())
	if deps.Tracer != nil {
		router.Use(deps.Tracer.TracingMiddleware())
	}
	router.Use(CORSMiddleware(opts.CORSOrigins))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Health != nil {
		router.GET("/healthz", deps.Health.Handler())
		router.GET("/readyz", deps.Health.ReadinessHandler())
		router.GET("/livez", deps.Health.LivenessHandler())
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/quotas/:subject", h.getQuotas)
		v1.GET("/executions/:subject", h.listExecutions)
		if h.executor != nil && h.upstreams != nil {
			v1.POST("/execute/:resource", h.execute)
		}

		breakers := v1.Group("/breakers")
		{
			breakers.GET("", h.listBreakers)
			breakers.POST("/reset", h.resetBreakers)
			breakers.GET("/:resource", h.getBreaker)
			breakers.POST("/:resource/reset", h.resetBreaker)
		}
	}

	return router
}

// CORSMiddleware allows the configured origins. An empty list or "*" allows any origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Tenant-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// LoggingMiddleware logs every request once it completes
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("Admin request failed")
			return
		}
		entry.Debug("Admin request completed")
	}
}
