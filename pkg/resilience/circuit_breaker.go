package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probes are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultExcludedKinds are failures that prove the dependency answered, so
// they never count against it
var DefaultExcludedKinds = []errors.Kind{
	errors.KindValidation,
	errors.KindNotFound,
	errors.KindAuth,
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics, usually the resource
	Name string
	// FailureThreshold is the number of failures inside WindowSize that opens the circuit
	FailureThreshold int
	// WindowSize is the sliding window failures are counted in
	WindowSize time.Duration
	// Timeout is how long the circuit stays open before a probe is let through
	Timeout time.Duration
	// SuccessThreshold is the number of consecutive probe successes that close the circuit
	SuccessThreshold int
	// HalfOpenMaxProbes bounds concurrent probes while half-open
	HalfOpenMaxProbes int
	// ExcludedKinds are error kinds that count as success. Nil means DefaultExcludedKinds.
	ExcludedKinds []errors.Kind
	// OnStateChange is called after every transition, outside the breaker lock
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// DefaultCircuitBreakerConfig returns sensible defaults for a resource
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		WindowSize:        time.Minute,
		Timeout:           30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
	}
}

func (c *CircuitBreakerConfig) applyDefaults() {
	def := DefaultCircuitBreakerConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if c.ExcludedKinds == nil {
		c.ExcludedKinds = DefaultExcludedKinds
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logging.OrDefault(c.Logger)
}

// BreakerSettings is the effective configuration reported in snapshots
type BreakerSettings struct {
	FailureThreshold  int           `json:"failure_threshold"`
	WindowSize        time.Duration `json:"window_size"`
	Timeout           time.Duration `json:"timeout"`
	SuccessThreshold  int           `json:"success_threshold"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes"`
	ExcludedKinds     []errors.Kind `json:"excluded_kinds"`
}

// BreakerSnapshot is a point-in-time copy of a breaker's state
type BreakerSnapshot struct {
	Name                 string          `json:"name"`
	State                CircuitState    `json:"state"`
	FailuresInWindow     int             `json:"failures_in_window"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	ProbesInFlight       int             `json:"probes_in_flight"`
	OpenedAt             time.Time       `json:"opened_at"`
	LastTransition       time.Time       `json:"last_transition"`
	LastFailure          time.Time       `json:"last_failure"`
	LastSuccess          time.Time       `json:"last_success"`
	TotalRequests        uint64          `json:"total_requests"`
	TotalSuccesses       uint64          `json:"total_successes"`
	TotalFailures        uint64          `json:"total_failures"`
	TotalRejections      uint64          `json:"total_rejections"`
	StateChanges         uint64          `json:"state_changes"`
	Config               BreakerSettings `json:"config"`
}

type transition struct {
	from, to CircuitState
	failures int
}

// CircuitBreaker is a per-resource state machine that stops calling a
// dependency once it fails too often inside a sliding window
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *logging.Logger

	mutex                sync.Mutex
	state                CircuitState
	generation           uint64
	failures             []time.Time
	consecutiveSuccesses int
	consecutiveFailures  int
	probesInFlight       int
	openedAt             time.Time
	lastTransition       time.Time
	lastFailure          time.Time
	lastSuccess          time.Time

	totalRequests   uint64
	totalSuccesses  uint64
	totalFailures   uint64
	totalRejections uint64
	stateChanges    uint64

	pending []transition
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:         config,
		logger:         config.Logger,
		state:          StateClosed,
		lastTransition: config.Now(),
	}
}

// Guard is a scoped admission through the breaker. Exactly one of Done or
// Cancel takes effect; later calls are no-ops.
type Guard struct {
	cb         *CircuitBreaker
	generation uint64
	probe      bool
	once       sync.Once
}

// Done records the outcome of the guarded work. A nil error is a success.
func (g *Guard) Done(err error) {
	g.once.Do(func() {
		g.cb.record(g, err)
	})
}

// Cancel releases the guard without recording an outcome
func (g *Guard) Cancel() {
	g.once.Do(func() {
		g.cb.mutex.Lock()
		if g.probe && g.generation == g.cb.generation {
			g.cb.probesInFlight--
		}
		g.cb.mutex.Unlock()
	})
}

// Allow asks for admission. It returns a BreakerOpen error when the circuit
// rejects the call; otherwise the caller must finish the returned guard.
func (cb *CircuitBreaker) Allow() (*Guard, error) {
	cb.mutex.Lock()

	now := cb.config.Now()
	if cb.state == StateOpen && !now.Before(cb.openedAt.Add(cb.config.Timeout)) {
		cb.setState(StateHalfOpen, now)
	}

	var (
		guard *Guard
		err   error
	)
	switch {
	case cb.state == StateOpen:
		cb.totalRejections++
		err = errors.NewBreakerOpenError(cb.config.Name)
	case cb.state == StateHalfOpen && cb.probesInFlight >= cb.config.HalfOpenMaxProbes:
		cb.totalRejections++
		err = errors.NewBreakerOpenError(cb.config.Name).WithDetail("state", StateHalfOpen.String())
	default:
		cb.totalRequests++
		guard = &Guard{cb: cb, generation: cb.generation, probe: cb.state == StateHalfOpen}
		if guard.probe {
			cb.probesInFlight++
		}
	}

	cb.unlockAndNotify()
	return guard, err
}

// Execute runs fn if the circuit breaker accepts it. Failures are returned
// classified; a rejection never calls fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	guard, err := cb.Allow()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			guard.Done(errors.NewInternalError(fmt.Sprintf("panic in %s call", cb.config.Name)))
			panic(r)
		}
	}()

	result, err := fn(ctx)
	guard.Done(err)
	if err != nil {
		return result, errors.Classify(err)
	}
	return result, nil
}

func (cb *CircuitBreaker) record(g *Guard, err error) {
	cb.mutex.Lock()

	current := g.generation == cb.generation
	if g.probe && current {
		cb.probesInFlight--
	}

	if err != nil && isCallerCancellation(err) {
		cb.unlockAndNotify()
		return
	}

	now := cb.config.Now()
	if cb.isSuccess(err) {
		cb.totalSuccesses++
		cb.lastSuccess = now
		if current {
			cb.onSuccess(now)
		}
	} else {
		cb.totalFailures++
		cb.lastFailure = now
		if current {
			cb.onFailure(now)
		}
	}

	cb.unlockAndNotify()
}

func (cb *CircuitBreaker) isSuccess(err error) bool {
	if err == nil {
		return true
	}
	kind := errors.Classify(err).Kind
	for _, excluded := range cb.config.ExcludedKinds {
		if kind == excluded {
			return true
		}
	}
	return false
}

func isCallerCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || errors.CodeOf(err) == errors.CodeExecutionCancelled
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// pruneFailures drops failures that have left the window. Caller holds the lock.
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-cb.config.WindowSize)
	idx := 0
	for idx < len(cb.failures) && !cb.failures[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[idx:]...)
	}
}

func (cb *CircuitBreaker) failuresInWindow(now time.Time) int {
	cutoff := now.Add(-cb.config.WindowSize)
	count := 0
	for _, t := range cb.failures {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// setState moves to a new generation. Caller holds the lock.
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	failures := len(cb.failures)

	cb.state = state
	cb.generation++
	cb.stateChanges++
	cb.lastTransition = now
	cb.probesInFlight = 0
	cb.consecutiveSuccesses = 0

	switch state {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = nil
		cb.consecutiveFailures = 0
		cb.openedAt = time.Time{}
	}

	cb.pending = append(cb.pending, transition{from: prev, to: state, failures: failures})
}

// unlockAndNotify releases the lock, then logs and reports queued transitions
func (cb *CircuitBreaker) unlockAndNotify() {
	pending := cb.pending
	cb.pending = nil
	cb.mutex.Unlock()

	for _, t := range pending {
		cb.logger.LogBreakerTransition(cb.config.Name, t.from.String(), t.to.String(), logrus.Fields{
			"failures_in_window": t.failures,
			"failure_threshold":  cb.config.FailureThreshold,
		})
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.config.Name, t.from, t.to)
		}
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// ProbeAt is when an open breaker lets the next probe through. It is zero
// unless the breaker is open.
func (cb *CircuitBreaker) ProbeAt() time.Time {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.config.Timeout)
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Snapshot returns a copy of the breaker's counters
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerSnapshot{
		Name:                 cb.config.Name,
		State:                cb.state,
		FailuresInWindow:     cb.failuresInWindow(cb.config.Now()),
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ProbesInFlight:       cb.probesInFlight,
		OpenedAt:             cb.openedAt,
		LastTransition:       cb.lastTransition,
		LastFailure:          cb.lastFailure,
		LastSuccess:          cb.lastSuccess,
		TotalRequests:        cb.totalRequests,
		TotalSuccesses:       cb.totalSuccesses,
		TotalFailures:        cb.totalFailures,
		TotalRejections:      cb.totalRejections,
		StateChanges:         cb.stateChanges,
		Config: BreakerSettings{
			FailureThreshold:  cb.config.FailureThreshold,
			WindowSize:        cb.config.WindowSize,
			Timeout:           cb.config.Timeout,
			SuccessThreshold:  cb.config.SuccessThreshold,
			HalfOpenMaxProbes: cb.config.HalfOpenMaxProbes,
			ExcludedKinds:     cb.config.ExcludedKinds,
		},
	}
}

// Reset forces the breaker back to CLOSED and discards in-flight outcomes
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()

	now := cb.config.Now()
	if cb.state != StateClosed {
		cb.setState(StateClosed, now)
	} else {
		cb.generation++
		cb.failures = nil
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}

	cb.logger.Info("Circuit breaker reset", "name", cb.config.Name)
	cb.unlockAndNotify()
}

// IsBreakerOpen reports whether err is a rejection by an open circuit
func IsBreakerOpen(err error) bool {
	return errors.IsKind(err, errors.KindBreakerOpen)
}
