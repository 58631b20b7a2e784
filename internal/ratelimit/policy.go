package ratelimit

import (
	"sync"
	"time"

	"github.com/NikhilSetiya/agentguard/pkg/config"
)

// Dimension is the kind of quantity a rule limits
type Dimension string

const (
	// DimensionRequests counts calls in a sliding window
	DimensionRequests Dimension = config.DimensionRequests
	// DimensionExecutions counts executions in a sliding window
	DimensionExecutions Dimension = config.DimensionExecutions
	// DimensionConcurrent caps executions in flight
	DimensionConcurrent Dimension = config.DimensionConcurrent
	// DimensionTokens caps cumulative token or cost usage per fixed bucket
	DimensionTokens Dimension = config.DimensionTokens
)

// Rule is one quota. An empty Resource applies to every resource of the subject.
type Rule struct {
	Name      string        `json:"name"`
	Resource  string        `json:"resource,omitempty"`
	Dimension Dimension     `json:"dimension"`
	Window    time.Duration `json:"window,omitempty"`
	Quota     int64         `json:"quota"`
}

// AppliesTo reports whether the rule constrains calls to resource
func (r Rule) AppliesTo(resource string) bool {
	return r.Resource == "" || r.Resource == resource
}

// Policy maps subjects to tiers and tiers to rules
type Policy struct {
	DefaultTier string
	Tiers       map[string][]Rule
	Subjects    map[string]string
}

// PolicyFromConfig converts a loaded policy file
func PolicyFromConfig(p *config.Policy) *Policy {
	policy := &Policy{
		DefaultTier: p.DefaultTier,
		Tiers:       make(map[string][]Rule, len(p.Tiers)),
		Subjects:    make(map[string]string, len(p.Subjects)),
	}
	for tier, specs := range p.Tiers {
		rules := make([]Rule, 0, len(specs))
		for _, spec := range specs {
			name := spec.Name
			if name == "" {
				name = spec.Dimension
			}
			rules = append(rules, Rule{
				Name:      name,
				Resource:  spec.Resource,
				Dimension: Dimension(spec.Dimension),
				Window:    spec.Window,
				Quota:     spec.Quota,
			})
		}
		policy.Tiers[tier] = rules
	}
	for subject, tier := range p.Subjects {
		policy.Subjects[subject] = tier
	}
	return policy
}

// TierFor resolves the tier of a subject
func (p *Policy) TierFor(subject string) string {
	if tier, ok := p.Subjects[subject]; ok {
		return tier
	}
	return p.DefaultTier
}

// RulesFor returns every rule of the subject's tier that applies to resource.
// An empty resource returns all rules of the tier.
func (p *Policy) RulesFor(subject, resource string) []Rule {
	all := p.Tiers[p.TierFor(subject)]
	if resource == "" {
		return all
	}

	rules := make([]Rule, 0, len(all))
	for _, r := range all {
		if r.AppliesTo(resource) {
			rules = append(rules, r)
		}
	}
	return rules
}

// PolicySource supplies the active policy. It is read on every decision so
// reloads take effect immediately.
type PolicySource interface {
	Policy() *Policy
}

// VersionedConfig is satisfied by config.PolicyStore
type VersionedConfig interface {
	Current() *config.Policy
	Version() uint64
}

// ConfigPolicySource converts the policy file lazily, once per version
type ConfigPolicySource struct {
	store VersionedConfig

	mu      sync.Mutex
	version uint64
	policy  *Policy
}

// NewConfigPolicySource creates a PolicySource over a hot-reloadable policy store
func NewConfigPolicySource(store VersionedConfig) *ConfigPolicySource {
	return &ConfigPolicySource{store: store}
}

// Policy implements PolicySource
func (s *ConfigPolicySource) Policy() *Policy {
	version := s.store.Version()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policy == nil || s.version != version {
		s.policy = PolicyFromConfig(s.store.Current())
		s.version = version
	}
	return s.policy
}

// StaticPolicy is a fixed PolicySource
type StaticPolicy struct {
	policy *Policy
}

// NewStaticPolicy wraps a policy that never changes
func NewStaticPolicy(policy *Policy) *StaticPolicy {
	return &StaticPolicy{policy: policy}
}

// Policy implements PolicySource
func (s *StaticPolicy) Policy() *Policy {
	return s.policy
}
