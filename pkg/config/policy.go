package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// Rate-limit dimensions understood by the policy file
const (
	DimensionRequests   = "requests"
	DimensionExecutions = "executions"
	DimensionConcurrent = "concurrent"
	DimensionTokens     = "tokens"
)

// Policy is the injected tier, breaker and retry configuration.
// Tiers are plain data here; nothing in the core hardcodes a tier name.
type Policy struct {
	DefaultTier string                `yaml:"default_tier" json:"default_tier"`
	Tiers       map[string][]RuleSpec `yaml:"tiers" json:"tiers"`
	Subjects    map[string]string     `yaml:"subjects" json:"subjects"`
	Breakers    BreakerPolicy         `yaml:"breakers" json:"breakers"`
	Retry       RetryPolicy           `yaml:"retry" json:"retry"`
}

// RuleSpec is one rate-limit rule. An empty Resource applies to every resource.
type RuleSpec struct {
	Name      string        `yaml:"name" json:"name"`
	Resource  string        `yaml:"resource" json:"resource"`
	Dimension string        `yaml:"dimension" json:"dimension"`
	Window    time.Duration `yaml:"window" json:"window"`
	Quota     int64         `yaml:"quota" json:"quota"`
}

// BreakerSpec configures one circuit breaker. Zero fields inherit the default.
type BreakerSpec struct {
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	WindowSize        time.Duration `yaml:"window_size" json:"window_size"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	SuccessThreshold  int           `yaml:"success_threshold" json:"success_threshold"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	ExcludedKinds     []string      `yaml:"excluded_kinds" json:"excluded_kinds"`
}

// BreakerPolicy holds the default breaker settings and per-resource overrides
type BreakerPolicy struct {
	Default   BreakerSpec            `yaml:"default" json:"default"`
	Resources map[string]BreakerSpec `yaml:"resources" json:"resources"`
}

// RetrySpec configures the retry engine. Zero fields inherit the default.
type RetrySpec struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseWait    time.Duration `yaml:"base_wait" json:"base_wait"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`
	Jitter      *bool         `yaml:"jitter" json:"jitter,omitempty"`
	Backoff     string        `yaml:"backoff" json:"backoff"`
}

// RetryPolicy holds the default retry settings and per-resource overrides
type RetryPolicy struct {
	Default   RetrySpec            `yaml:"default" json:"default"`
	Resources map[string]RetrySpec `yaml:"resources" json:"resources"`
}

// DefaultPolicy is used when no policy file is present
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultTier: "default",
		Tiers: map[string][]RuleSpec{
			"default": {
				{Name: "requests-per-minute", Dimension: DimensionRequests, Window: time.Minute, Quota: 60},
				{Name: "executions-per-hour", Dimension: DimensionExecutions, Window: time.Hour, Quota: 500},
				{Name: "concurrent-executions", Dimension: DimensionConcurrent, Quota: 5},
			},
		},
		Breakers: BreakerPolicy{
			Default: BreakerSpec{
				FailureThreshold:  5,
				WindowSize:        time.Minute,
				Timeout:           30 * time.Second,
				SuccessThreshold:  2,
				HalfOpenMaxProbes: 1,
			},
		},
		Retry: RetryPolicy{
			Default: RetrySpec{
				MaxAttempts: 3,
				BaseWait:    500 * time.Millisecond,
				MaxWait:     30 * time.Second,
				Backoff:     "exponential",
			},
		},
	}
}

// ParsePolicy decodes and validates a YAML policy document
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, errors.NewConfigurationError("policy file is not valid YAML").WithCause(err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// LoadPolicy reads a policy file from disk
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("cannot read policy file %s", path)).WithCause(err)
	}
	return ParsePolicy(data)
}

// Validate rejects policies the limiter, breakers or retry engine could not honour
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.NewConfigurationError("policy defines no tiers")
	}
	if _, ok := p.Tiers[p.DefaultTier]; !ok {
		return errors.NewConfigurationError(fmt.Sprintf("default tier %q is not defined", p.DefaultTier))
	}

	for tier, rules := range p.Tiers {
		names := make(map[string]struct{}, len(rules))
		for i, rule := range rules {
			if err := rule.validate(); err != nil {
				return err.WithDetail("tier", tier).WithDetail("rule_index", fmt.Sprint(i))
			}
			if _, dup := names[rule.Name]; dup {
				return errors.NewConfigurationError(fmt.Sprintf("rule name %q is used twice in tier %q", rule.Name, tier))
			}
			names[rule.Name] = struct{}{}
		}
	}

	for subject, tier := range p.Subjects {
		if _, ok := p.Tiers[tier]; !ok {
			return errors.NewConfigurationError(fmt.Sprintf("subject %q references unknown tier %q", subject, tier))
		}
	}

	if err := p.Breakers.Default.validate("default"); err != nil {
		return err
	}
	for resource, spec := range p.Breakers.Resources {
		if err := spec.validate(resource); err != nil {
			return err
		}
	}

	if err := p.Retry.Default.validate("default"); err != nil {
		return err
	}
	for resource, spec := range p.Retry.Resources {
		if err := spec.validate(resource); err != nil {
			return err
		}
	}

	return nil
}

func (r RuleSpec) validate() *errors.ClassifiedError {
	switch r.Dimension {
	case DimensionRequests, DimensionExecutions, DimensionTokens:
		if r.Window <= 0 {
			return errors.NewConfigurationError(fmt.Sprintf("rule %q needs a positive window", r.Name))
		}
	case DimensionConcurrent:
	default:
		return errors.NewConfigurationError(fmt.Sprintf("rule %q has unknown dimension %q", r.Name, r.Dimension))
	}
	if r.Quota <= 0 {
		return errors.NewConfigurationError(fmt.Sprintf("rule %q needs a positive quota", r.Name))
	}
	return nil
}

func (b BreakerSpec) validate(resource string) error {
	if b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.HalfOpenMaxProbes < 0 ||
		b.WindowSize < 0 || b.Timeout < 0 {
		return errors.NewConfigurationError(fmt.Sprintf("breaker settings for %q must not be negative", resource))
	}
	return nil
}

func (r RetrySpec) validate(resource string) error {
	if r.MaxAttempts < 0 || r.BaseWait < 0 || r.MaxWait < 0 {
		return errors.NewConfigurationError(fmt.Sprintf("retry settings for %q must not be negative", resource))
	}
	if r.MaxWait > 0 && r.BaseWait > r.MaxWait {
		return errors.NewConfigurationError(fmt.Sprintf("retry base wait for %q exceeds max wait", resource))
	}
	switch r.Backoff {
	case "", "exponential", "linear", "constant":
	default:
		return errors.NewConfigurationError(fmt.Sprintf("retry backoff %q for %q is not supported", r.Backoff, resource))
	}
	return nil
}

// TierFor resolves the tier of a subject, falling back to the default tier
func (p *Policy) TierFor(subject string) string {
	if tier, ok := p.Subjects[subject]; ok {
		return tier
	}
	return p.DefaultTier
}

// BreakerFor returns the breaker settings for a resource merged over the default
func (p *Policy) BreakerFor(resource string) BreakerSpec {
	spec := p.Breakers.Default
	override, ok := p.Breakers.Resources[resource]
	if !ok {
		return spec
	}
	if override.FailureThreshold > 0 {
		spec.FailureThreshold = override.FailureThreshold
	}
	if override.WindowSize > 0 {
		spec.WindowSize = override.WindowSize
	}
	if override.Timeout > 0 {
		spec.Timeout = override.Timeout
	}
	if override.SuccessThreshold > 0 {
		spec.SuccessThreshold = override.SuccessThreshold
	}
	if override.HalfOpenMaxProbes > 0 {
		spec.HalfOpenMaxProbes = override.HalfOpenMaxProbes
	}
	if override.ExcludedKinds != nil {
		spec.ExcludedKinds = override.ExcludedKinds
	}
	return spec
}

// RetryFor returns the retry settings for a resource merged over the default
func (p *Policy) RetryFor(resource string) RetrySpec {
	spec := p.Retry.Default
	override, ok := p.Retry.Resources[resource]
	if !ok {
		return spec
	}
	if override.MaxAttempts > 0 {
		spec.MaxAttempts = override.MaxAttempts
	}
	if override.BaseWait > 0 {
		spec.BaseWait = override.BaseWait
	}
	if override.MaxWait > 0 {
		spec.MaxWait = override.MaxWait
	}
	if override.Jitter != nil {
		spec.Jitter = override.Jitter
	}
	if override.Backoff != "" {
		spec.Backoff = override.Backoff
	}
	return spec
}

// PolicyStore holds the active policy and swaps it atomically on reload.
// Readers never block and always observe a fully validated policy.
type PolicyStore struct {
	path    string
	current atomic.Pointer[Policy]
	version atomic.Uint64
}

// NewPolicyStore loads the policy at path. An empty path or a missing file
// yields DefaultPolicy; a present but invalid file is an error.
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path}

	policy, err := s.load()
	if err != nil {
		return nil, err
	}
	s.Set(policy)
	return s, nil
}

// NewStaticPolicyStore wraps an already built policy
func NewStaticPolicyStore(policy *Policy) *PolicyStore {
	s := &PolicyStore{}
	s.Set(policy)
	return s
}

func (s *PolicyStore) load() (*Policy, error) {
	if s.path == "" {
		return DefaultPolicy(), nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	return LoadPolicy(s.path)
}

// Current returns the active policy
func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// Version increments on every swap so callers can cache derived views
func (s *PolicyStore) Version() uint64 {
	return s.version.Load()
}

// Set replaces the active policy
func (s *PolicyStore) Set(policy *Policy) {
	s.current.Store(policy)
	s.version.Add(1)
}

// Reload re-reads the policy file. On failure the previous policy stays active.
func (s *PolicyStore) Reload() error {
	policy, err := s.load()
	if err != nil {
		return err
	}
	s.Set(policy)
	return nil
}
