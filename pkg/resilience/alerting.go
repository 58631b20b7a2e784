package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// AlertInfo - informational alerts
	AlertInfo AlertSeverity = iota
	// AlertWarning - warning alerts that need attention
	AlertWarning
	// AlertError - error alerts that need immediate attention
	AlertError
	// AlertCritical - critical alerts that need urgent attention
	AlertCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case AlertInfo:
		return "INFO"
	case AlertWarning:
		return "WARNING"
	case AlertError:
		return "ERROR"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager routes alerts to handlers, rate limited per source
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	limitMu       sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager allowing rateLimit alerts per
// source per interval
func NewAlertManager(logger *logging.Logger, rateLimit int, interval time.Duration) *AlertManager {
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &AlertManager{
		logger:        logging.OrDefault(logger),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     rateLimit,
		resetInterval: interval,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err.Error(),
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.limitMu.Lock()
	defer am.limitMu.Unlock()

	now := time.Now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.OrDefault(logger),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, "meta_"+key, value)
	}

	switch alert.Severity {
	case AlertInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case AlertWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case AlertError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case AlertCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ErrorAlertGenerator turns classified errors at or above a severity into alerts
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	minSeverity  errors.Severity
	logger       *logging.Logger
}

// NewErrorAlertGenerator alerts on errors of minSeverity and above
func NewErrorAlertGenerator(alertManager *AlertManager, minSeverity errors.Severity, logger *logging.Logger) *ErrorAlertGenerator {
	return &ErrorAlertGenerator{
		alertManager: alertManager,
		minSeverity:  minSeverity,
		logger:       logging.OrDefault(logger),
	}
}

// HandleError raises an alert when err is severe enough. It reports whether an alert was attempted.
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) bool {
	if err == nil {
		return false
	}

	classified := errors.Classify(err)
	if classified.Severity < eag.minSeverity {
		return false
	}

	alert := Alert{
		Severity:    alertSeverityFor(classified.Severity),
		Title:       fmt.Sprintf("%s error: %s", classified.Kind, classified.Code),
		Description: classified.Error(),
		Source:      source,
		Tags: map[string]string{
			"error_kind":     string(classified.Kind),
			"error_code":     classified.Code,
			"error_severity": classified.Severity.String(),
		},
		Metadata: metadata,
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", classified.Error(),
			"alert_error", alertErr.Error(),
			"source", source,
		)
	}
	return true
}

func alertSeverityFor(s errors.Severity) AlertSeverity {
	switch s {
	case errors.SeverityCritical:
		return AlertCritical
	case errors.SeverityHigh:
		return AlertError
	case errors.SeverityMedium:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// BreakerAlertHook returns an OnStateChange hook that alerts when a circuit
// opens and when it closes again
func BreakerAlertHook(alertManager *AlertManager) func(name string, from, to CircuitState) {
	return func(name string, from, to CircuitState) {
		var severity AlertSeverity
		switch to {
		case StateOpen:
			severity = AlertError
		case StateClosed:
			severity = AlertInfo
		default:
			return
		}

		alert := Alert{
			Severity:    severity,
			Title:       fmt.Sprintf("Circuit breaker %s is %s", name, to),
			Description: fmt.Sprintf("Circuit breaker for %s moved from %s to %s", name, from, to),
			Source:      "breaker:" + name,
			Tags: map[string]string{
				"resource": name,
				"from":     from.String(),
				"to":       to.String(),
			},
		}
		_ = alertManager.SendAlert(context.Background(), alert)
	}
}

// SystemHealthMonitor periodically alerts on degradation level changes
type SystemHealthMonitor struct {
	alertManager       *AlertManager
	degradationManager *DegradationManager
	logger             *logging.Logger

	checkInterval        time.Duration
	lastDegradationLevel DegradationLevel
}

// NewSystemHealthMonitor creates a new system health monitor
func NewSystemHealthMonitor(alertManager *AlertManager, degradationManager *DegradationManager, interval time.Duration, logger *logging.Logger) *SystemHealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SystemHealthMonitor{
		alertManager:         alertManager,
		degradationManager:   degradationManager,
		logger:               logging.OrDefault(logger),
		checkInterval:        interval,
		lastDegradationLevel: LevelNormal,
	}
}

// Run checks health every interval until ctx is done
func (shm *SystemHealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(shm.checkInterval)
	defer ticker.Stop()

	shm.logger.Info("System health monitor started", "interval", shm.checkInterval.String())
	for {
		select {
		case <-ctx.Done():
			shm.logger.Info("System health monitor stopped")
			return nil
		case <-ticker.C:
			shm.CheckOnce(ctx)
		}
	}
}

// CheckOnce compares the current degradation level with the last one seen
// and alerts on change
func (shm *SystemHealthMonitor) CheckOnce(ctx context.Context) {
	currentLevel := shm.degradationManager.GetCurrentDegradationLevel()
	if currentLevel == shm.lastDegradationLevel {
		return
	}

	from := shm.lastDegradationLevel
	shm.lastDegradationLevel = currentLevel

	var severity AlertSeverity
	switch currentLevel {
	case LevelNormal:
		severity = AlertInfo
	case LevelPartial:
		severity = AlertWarning
	case LevelSevere:
		severity = AlertError
	default:
		severity = AlertCritical
	}

	alert := Alert{
		Severity:    severity,
		Title:       "System Degradation Level Changed",
		Description: fmt.Sprintf("System degradation level changed from %s to %s", from, currentLevel),
		Source:      "system_health_monitor",
		Tags: map[string]string{
			"previous_level": from.String(),
			"current_level":  currentLevel.String(),
		},
		Metadata: map[string]interface{}{
			"unhealthy_components": shm.degradationManager.GetUnhealthyServices(),
		},
	}

	if err := shm.alertManager.SendAlert(ctx, alert); err != nil {
		shm.logger.Error("Failed to send degradation alert", "error", err.Error())
	}
}
