package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// BreakerConfigFunc returns the configuration for a resource's breaker
type BreakerConfigFunc func(resource string) CircuitBreakerConfig

// BreakerRegistry owns one circuit breaker per resource. Breakers are created
// lazily on first use and live for the lifetime of the registry.
type BreakerRegistry struct {
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
	configFor     BreakerConfigFunc
	onStateChange func(name string, from CircuitState, to CircuitState)
	now           func() time.Time
	logger        *logging.Logger
}

// RegistryOption customizes a BreakerRegistry
type RegistryOption func(*BreakerRegistry)

// WithStateChangeHook is called for every transition of every breaker
func WithStateChangeHook(hook func(name string, from CircuitState, to CircuitState)) RegistryOption {
	return func(r *BreakerRegistry) {
		r.onStateChange = hook
	}
}

// WithRegistryClock sets the clock handed to every breaker
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *BreakerRegistry) {
		r.now = now
	}
}

// WithRegistryLogger sets the logger handed to every breaker
func WithRegistryLogger(logger *logging.Logger) RegistryOption {
	return func(r *BreakerRegistry) {
		r.logger = logger
	}
}

// NewBreakerRegistry creates a registry. A nil configFor uses defaults for every resource.
func NewBreakerRegistry(configFor BreakerConfigFunc, opts ...RegistryOption) *BreakerRegistry {
	if configFor == nil {
		configFor = DefaultCircuitBreakerConfig
	}
	r := &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		configFor: configFor,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// PolicyBreakerConfig builds a BreakerConfigFunc that reads the active policy
func PolicyBreakerConfig(policies *config.PolicyStore) BreakerConfigFunc {
	return func(resource string) CircuitBreakerConfig {
		return BreakerConfigFromSpec(resource, policies.Current().BreakerFor(resource))
	}
}

// BreakerConfigFromSpec converts policy file settings
func BreakerConfigFromSpec(name string, spec config.BreakerSpec) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  spec.FailureThreshold,
		WindowSize:        spec.WindowSize,
		Timeout:           spec.Timeout,
		SuccessThreshold:  spec.SuccessThreshold,
		HalfOpenMaxProbes: spec.HalfOpenMaxProbes,
	}
	if spec.ExcludedKinds != nil {
		cfg.ExcludedKinds = make([]errors.Kind, 0, len(spec.ExcludedKinds))
		for _, k := range spec.ExcludedKinds {
			cfg.ExcludedKinds = append(cfg.ExcludedKinds, errors.Kind(k))
		}
	}
	return cfg
}

// Get returns the breaker for resource, creating it if needed
func (r *BreakerRegistry) Get(resource string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[resource]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	cfg := r.configFor(resource)
	cfg.Name = resource
	if r.now != nil {
		cfg.Now = r.now
	}
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	if r.onStateChange != nil {
		own := cfg.OnStateChange
		hook := r.onStateChange
		cfg.OnStateChange = func(name string, from, to CircuitState) {
			if own != nil {
				own(name, from, to)
			}
			hook(name, from, to)
		}
	}

	cb = NewCircuitBreaker(cfg)
	r.breakers[resource] = cb
	return cb
}

// Call runs fn through the breaker of resource
func (r *BreakerRegistry) Call(ctx context.Context, resource string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return r.Get(resource).Execute(ctx, fn)
}

// Metrics returns snapshots of one breaker, or of every breaker when resource is empty
func (r *BreakerRegistry) Metrics(resource string) ([]BreakerSnapshot, error) {
	if resource != "" {
		cb, ok := r.lookup(resource)
		if !ok {
			return nil, errors.NewNotFoundError("circuit breaker " + resource)
		}
		return []BreakerSnapshot{cb.Snapshot()}, nil
	}

	breakers := r.all()
	snapshots := make([]BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		snapshots = append(snapshots, cb.Snapshot())
	}
	return snapshots, nil
}

// Reset closes one breaker, or every breaker when resource is empty
func (r *BreakerRegistry) Reset(resource string) error {
	if resource != "" {
		cb, ok := r.lookup(resource)
		if !ok {
			return errors.NewNotFoundError("circuit breaker " + resource)
		}
		cb.Reset()
		return nil
	}

	for _, cb := range r.all() {
		cb.Reset()
	}
	return nil
}

// Resources lists the resources that have a breaker, sorted
func (r *BreakerRegistry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *BreakerRegistry) lookup(resource string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[resource]
	return cb, ok
}

func (r *BreakerRegistry) all() []*CircuitBreaker {
	names := r.Resources()

	r.mu.RLock()
	defer r.mu.RUnlock()

	breakers := make([]*CircuitBreaker, 0, len(names))
	for _, name := range names {
		if cb, ok := r.breakers[name]; ok {
			breakers = append(breakers, cb)
		}
	}
	return breakers
}
