package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logging.OrDefault(logger),
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs all checks concurrently. Any unhealthy check makes the
// whole response unhealthy; any degraded check makes it degraded.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			defer mutex.Unlock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
		}(name, checker)
	}

	wg.Wait()

	if overallStatus != StatusHealthy {
		s.logger.Warn("Health check not healthy", "status", string(overallStatus))
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks. A degraded core still
// enforces its policies (or fails open) so it answers 200.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// Pinger is anything that can report reachability, such as the counting store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatser exposes Redis pool statistics
type PoolStatser interface {
	Stats() *redis.PoolStats
}

// StoreChecker checks the counting store. The limiter fails open while the
// store is down, so an outage is reported as degraded rather than unhealthy.
type StoreChecker struct {
	store Pinger
	pool  PoolStatser
	name  string
}

// NewStoreChecker creates a new store health checker. pool may be nil.
func NewStoreChecker(store Pinger, pool PoolStatser, name string) *StoreChecker {
	return &StoreChecker{
		store: store,
		pool:  pool,
		name:  name,
	}
}

// Check performs the store health check
func (sc *StoreChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      sc.name,
		Timestamp: start,
	}

	if sc.store == nil {
		check.Status = StatusUnhealthy
		check.Error = "counting store is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := sc.store.Ping(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = "counting store unreachable, rate limits fail open"
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "counting store is healthy"
	check.Duration = time.Since(start)

	if sc.pool != nil {
		if stats := sc.pool.Stats(); stats != nil {
			check.Metadata = map[string]string{
				"total_connections": fmt.Sprintf("%d", stats.TotalConns),
				"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
				"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
			}
		}
	}

	return check
}

// DatabaseHealth is the subset of the ledger used for health checks
type DatabaseHealth interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// DatabaseChecker checks the execution ledger database. The ledger is
// optional, so failures are degraded.
type DatabaseChecker struct {
	db   DatabaseHealth
	name string
}

// NewDatabaseChecker creates a new database health checker
func NewDatabaseChecker(db DatabaseHealth, name string) *DatabaseChecker {
	return &DatabaseChecker{
		db:   db,
		name: name,
	}
}

// Check performs database health check
func (dc *DatabaseChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      dc.name,
		Timestamp: start,
	}

	if dc.db == nil {
		check.Status = StatusDegraded
		check.Error = "database connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := dc.db.Health(ctx); err != nil {
		check.Status = StatusDegraded
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := dc.db.Stats()
	check.Status = StatusHealthy
	check.Message = "database is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"idle_connections": fmt.Sprintf("%d", stats.Idle),
		"max_connections":  fmt.Sprintf("%d", stats.MaxOpenConnections),
	}

	if stats.MaxOpenConnections > 0 && stats.OpenConnections > int(float64(stats.MaxOpenConnections)*0.8) {
		check.Status = StatusDegraded
		check.Message = "database connection pool is running low"
	}

	return check
}

// BreakerChecker reports open circuits as degraded
type BreakerChecker struct {
	registry *resilience.BreakerRegistry
	name     string
}

// NewBreakerChecker creates a new circuit breaker health checker
func NewBreakerChecker(registry *resilience.BreakerRegistry, name string) *BreakerChecker {
	return &BreakerChecker{
		registry: registry,
		name:     name,
	}
}

// Check performs the breaker health check
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "all circuits closed",
		Metadata:  make(map[string]string),
	}

	snapshots, _ := bc.registry.Metrics("")
	var open []string
	for _, s := range snapshots {
		check.Metadata[s.Name] = s.State.String()
		if s.State != resilience.StateClosed {
			open = append(open, s.Name)
		}
	}

	if len(open) > 0 {
		check.Status = StatusDegraded
		check.Message = "circuits not closed: " + strings.Join(open, ", ")
	}
	check.Duration = time.Since(start)
	return check
}

// DegradationChecker maps the degradation level onto a health status
type DegradationChecker struct {
	manager *resilience.DegradationManager
	name    string
}

// NewDegradationChecker creates a new degradation health checker
func NewDegradationChecker(manager *resilience.DegradationManager, name string) *DegradationChecker {
	return &DegradationChecker{
		manager: manager,
		name:    name,
	}
}

// Check performs the degradation health check
func (dc *DegradationChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	level := dc.manager.GetCurrentDegradationLevel()

	check := &Check{
		Name:      dc.name,
		Timestamp: start,
		Message:   "degradation level " + level.String(),
		Metadata:  map[string]string{"level": level.String()},
	}
	if unhealthy := dc.manager.GetUnhealthyServices(); len(unhealthy) > 0 {
		check.Metadata["unhealthy_components"] = strings.Join(unhealthy, ",")
	}

	switch level {
	case resilience.LevelNormal:
		check.Status = StatusHealthy
	case resilience.LevelCritical:
		check.Status = StatusUnhealthy
	default:
		check.Status = StatusDegraded
	}
	check.Duration = time.Since(start)
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
