package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all components are operational
	LevelNormal DegradationLevel = iota
	// LevelPartial - an optional component is down, enforcement is intact
	LevelPartial
	// LevelSevere - enforcement is weakened, e.g. the limiter is failing open
	LevelSevere
	// LevelCritical - most components are down
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the level by name
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Component names reported by the core
const (
	ComponentStore  = "counting_store"
	ComponentLedger = "execution_ledger"
)

// ServiceHealth represents the health status of a component
type ServiceHealth struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time"`
	Message      string        `json:"message"`
}

// DegradationManager tracks which backing components are unavailable and
// derives an overall degradation level from them
type DegradationManager struct {
	services map[string]*ServiceHealth
	mutex    sync.RWMutex
	logger   *logging.Logger

	unhealthyThreshold int
	degradationRules   map[string]DegradationLevel
}

// DegradationOption customizes a DegradationManager
type DegradationOption func(*DegradationManager)

// WithUnhealthyThreshold sets how many consecutive failures mark a component unhealthy
func WithUnhealthyThreshold(n int) DegradationOption {
	return func(dm *DegradationManager) {
		if n > 0 {
			dm.unhealthyThreshold = n
		}
	}
}

// WithDegradationLogger sets the logger
func WithDegradationLogger(logger *logging.Logger) DegradationOption {
	return func(dm *DegradationManager) {
		dm.logger = logger
	}
}

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(opts ...DegradationOption) *DegradationManager {
	dm := &DegradationManager{
		services:           make(map[string]*ServiceHealth),
		unhealthyThreshold: 1,
		degradationRules:   make(map[string]DegradationLevel),
	}
	for _, opt := range opts {
		opt(dm)
	}
	dm.logger = logging.OrDefault(dm.logger)
	return dm
}

// RegisterService registers a component and the level it causes when down
func (dm *DegradationManager) RegisterService(name string, degradationLevel DegradationLevel) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.services[name] = &ServiceHealth{
		Name:      name,
		Healthy:   true,
		LastCheck: time.Now(),
	}
	dm.degradationRules[name] = degradationLevel
}

// UpdateServiceHealth updates the health status of a component
func (dm *DegradationManager) UpdateServiceHealth(name string, healthy bool, responseTime time.Duration, message string) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	service, exists := dm.services[name]
	if !exists {
		dm.logger.Warn("Attempted to update health for unregistered service", "service", name)
		return
	}

	wasHealthy := service.Healthy
	service.LastCheck = time.Now()
	service.ResponseTime = responseTime
	service.Message = message

	if healthy {
		service.Healthy = true
		service.ErrorCount = 0
	} else {
		service.ErrorCount++
		if service.ErrorCount >= dm.unhealthyThreshold {
			service.Healthy = false
		}
	}

	switch {
	case wasHealthy && !service.Healthy:
		dm.logger.Warn("Component became unhealthy",
			"service", name,
			"error_count", service.ErrorCount,
			"message", message,
		)
	case !wasHealthy && service.Healthy:
		dm.logger.Info("Component recovered", "service", name)
	}
}

// ReportFailure records a failed operation against a component
func (dm *DegradationManager) ReportFailure(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	dm.UpdateServiceHealth(name, false, 0, msg)
}

// ReportSuccess records a successful operation against a component. It only
// takes the write lock when the component is not already healthy.
func (dm *DegradationManager) ReportSuccess(name string, responseTime time.Duration) {
	dm.mutex.RLock()
	service, exists := dm.services[name]
	clean := exists && service.Healthy && service.ErrorCount == 0
	dm.mutex.RUnlock()

	if clean {
		return
	}
	dm.UpdateServiceHealth(name, true, responseTime, "")
}

// GetCurrentDegradationLevel returns the current system degradation level
func (dm *DegradationManager) GetCurrentDegradationLevel() DegradationLevel {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	maxLevel := LevelNormal
	unhealthyServices := 0
	totalServices := len(dm.services)

	for name, service := range dm.services {
		if !service.Healthy {
			unhealthyServices++
			if level, exists := dm.degradationRules[name]; exists && level > maxLevel {
				maxLevel = level
			}
		}
	}

	if totalServices > 1 {
		unhealthyPercentage := float64(unhealthyServices) / float64(totalServices)
		if unhealthyPercentage >= 0.75 && maxLevel < LevelCritical {
			maxLevel = LevelCritical
		}
	}

	return maxLevel
}

// GetServiceHealth returns a copy of the health status of a component
func (dm *DegradationManager) GetServiceHealth(name string) (*ServiceHealth, bool) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	service, exists := dm.services[name]
	if !exists {
		return nil, false
	}

	copied := *service
	return &copied, true
}

// GetAllServiceHealth returns copies of every component's health
func (dm *DegradationManager) GetAllServiceHealth() map[string]*ServiceHealth {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	result := make(map[string]*ServiceHealth, len(dm.services))
	for name, service := range dm.services {
		copied := *service
		result[name] = &copied
	}
	return result
}

// IsServiceHealthy checks if a specific component is healthy
func (dm *DegradationManager) IsServiceHealthy(name string) bool {
	service, exists := dm.GetServiceHealth(name)
	return exists && service.Healthy
}

// GetUnhealthyServices returns the unhealthy components, sorted
func (dm *DegradationManager) GetUnhealthyServices() []string {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	var unhealthy []string
	for name, service := range dm.services {
		if !service.Healthy {
			unhealthy = append(unhealthy, name)
		}
	}
	sort.Strings(unhealthy)
	return unhealthy
}
