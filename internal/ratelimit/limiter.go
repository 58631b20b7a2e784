// Package ratelimit enforces per-subject quotas over the shared counting store.
//
// Every rule of the subject's tier that applies to a resource is evaluated in
// one atomic store call. Requests and executions use a sliding-window log,
// concurrency uses an in-flight counter held by a Token, and token/cost usage
// is a fixed-bucket budget incremented after the fact by RecordUsage.
//
// When the store is unreachable the limiter fails open: the call is allowed,
// the decision is marked Degraded and a degraded-mode event is logged.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentguard/internal/store"
	apperrors "github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/metrics"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
	"github.com/NikhilSetiya/agentguard/pkg/tracing"
)

const (
	defaultKeyPrefix      = "agentguard"
	defaultConcurrencyTTL = 15 * time.Minute
	defaultOpTimeout      = 250 * time.Millisecond
)

// Decision is the outcome of a limit check.
//
// When denied, the fields describe the most restrictive failing rule: the
// one whose quota frees up last. When allowed, they describe the rule with
// the least headroom left. Remaining is -1 when no rule applies or the store
// could not be consulted.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Dimension Dimension `json:"dimension,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// Err returns the classified rejection for a denied decision, nil otherwise
func (d Decision) Err() *apperrors.ClassifiedError {
	if d.Allowed {
		return nil
	}

	var err *apperrors.ClassifiedError
	if d.Dimension == DimensionConcurrent {
		err = apperrors.NewConcurrentLimitError(
			fmt.Sprintf("too many executions in progress, the limit is %d", d.Limit))
	} else {
		err = apperrors.NewRateLimitError(
			fmt.Sprintf("%s quota of %d exceeded, please try again later", d.Dimension, d.Limit))
	}

	return err.
		WithDetail("dimension", string(d.Dimension)).
		WithDetail("rule", d.Rule).
		WithDetail("limit", strconv.FormatInt(d.Limit, 10)).
		WithDetail("reset_at", d.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter is the wait a rejected caller should be told about, in whole
// seconds and never less than one
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= time.Second {
		return time.Second
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Admission is the result of Admit. Token is non-nil only when the call was
// allowed and holds concurrency slots that must be released.
type Admission struct {
	Decision Decision
	Token    *Token
}

// Token holds the concurrency slots of one admitted execution. Release is
// idempotent: the slots are freed exactly once however often it is called.
type Token struct {
	store   store.CountingStore
	keys    []string
	timeout time.Duration
	logger  *logging.Logger

	once     sync.Once
	released atomic.Bool
	err      error
}

// Release frees the held slots. It runs even when ctx is already cancelled,
// bounded by the store operation timeout.
func (t *Token) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}

	t.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		if t.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}

		var errs []error
		for _, key := range t.keys {
			if err := t.store.Release(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("failed to release %s: %w", key, err))
			}
		}
		t.err = errors.Join(errs...)
		t.released.Store(true)

		if t.err != nil {
			t.logger.WithComponent("ratelimit").WithFields(logrus.Fields{
				"keys":  t.keys,
				"error": t.err.Error(),
			}).Warn("Concurrency slot release failed, slot expires with its TTL")
		}
	})
	return t.err
}

// Released reports whether Release has run
func (t *Token) Released() bool {
	if t == nil {
		return true
	}
	return t.released.Load()
}

// DimensionStatus is the read-only state of one rule
type DimensionStatus struct {
	Rule      string    `json:"rule"`
	Resource  string    `json:"resource,omitempty"`
	Dimension Dimension `json:"dimension"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter enforces the quotas of a PolicySource over a CountingStore
type Limiter struct {
	store       store.CountingStore
	policies    PolicySource
	keys        keyBuilder
	logger      *logging.Logger
	metrics     *metrics.Metrics
	degradation *resilience.DegradationManager
	tracer      *tracing.TracingService
	now         func() time.Time

	concurrencyTTL time.Duration
	opTimeout      time.Duration
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics records decisions and store latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithDegradation reports store outages and recoveries
func WithDegradation(dm *resilience.DegradationManager) Option {
	return func(l *Limiter) {
		l.degradation = dm
	}
}

// WithTracing wraps store calls in spans
func WithTracing(ts *tracing.TracingService) Option {
	return func(l *Limiter) {
		l.tracer = ts
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithKeyPrefix namespaces every store key
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.keys.prefix = prefix
		}
	}
}

// WithConcurrencyTTL sets the safety expiry of concurrency counters
func WithConcurrencyTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.concurrencyTTL = ttl
		}
	}
}

// WithOpTimeout bounds each store call. Zero disables the bound.
func WithOpTimeout(timeout time.Duration) Option {
	return func(l *Limiter) {
		l.opTimeout = timeout
	}
}

// NewLimiter creates a limiter
func NewLimiter(st store.CountingStore, policies PolicySource, opts ...Option) *Limiter {
	l := &Limiter{
		store:          st,
		policies:       policies,
		keys:           keyBuilder{prefix: defaultKeyPrefix},
		now:            time.Now,
		concurrencyTTL: defaultConcurrencyTTL,
		opTimeout:      defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger)

	if l.degradation != nil {
		if _, ok := l.degradation.GetServiceHealth(resilience.ComponentStore); !ok {
			l.degradation.RegisterService(resilience.ComponentStore, resilience.LevelSevere)
		}
	}
	return l
}

// Check evaluates the rules of a single dimension.
//
// Requests and executions consume one unit when allowed. Concurrent and
// tokens are only compared: acquiring a concurrency slot requires Admit,
// which hands back the Token that frees it.
func (l *Limiter) Check(ctx context.Context, subject, resource string, dimension Dimension) (Decision, error) {
	var rules []Rule
	for _, r := range l.policies.Policy().RulesFor(subject, resource) {
		if r.Dimension == dimension {
			rules = append(rules, r)
		}
	}

	consume := dimension == DimensionRequests || dimension == DimensionExecutions
	decision, _, err := l.evaluate(ctx, "check", subject, resource, rules, consume)
	return decision, err
}

// Admit evaluates every applicable rule of every dimension in one atomic
// store call. Either all pass and each is consumed, or nothing is consumed.
//
// An error is returned only when ctx ends first; store failures fail open.
func (l *Limiter) Admit(ctx context.Context, subject, resource string) (*Admission, error) {
	rules := l.policies.Policy().RulesFor(subject, resource)

	decision, checks, err := l.evaluate(ctx, "admit", subject, resource, rules, true)
	if err != nil {
		return nil, err
	}

	admission := &Admission{Decision: decision}
	if !decision.Allowed || decision.Degraded {
		return admission, nil
	}

	var keys []string
	for _, c := range checks {
		if c.Kind == store.KindCounter {
			keys = append(keys, c.Key)
		}
	}
	if len(keys) > 0 {
		admission.Token = &Token{
			store:   l.store,
			keys:    keys,
			timeout: l.opTimeout,
			logger:  l.logger,
		}
	}
	return admission, nil
}

// RecordUsage adds measured token or cost usage to every tokens rule that
// applies to resource. Store failures are logged and the usage is dropped.
func (l *Limiter) RecordUsage(ctx context.Context, subject, resource string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	now := l.now()
	for _, r := range l.policies.Policy().RulesFor(subject, resource) {
		if r.Dimension != DimensionTokens {
			continue
		}

		key, end := l.keys.bucket(subject, r, now)
		err := l.withStore(ctx, "record_usage", func(ctx context.Context) error {
			_, err := l.store.IncrementBy(ctx, now, key, amount, end.Sub(now))
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return apperrors.NewCancelledError("usage recording").WithCause(ctx.Err())
			}
			l.degraded(ctx, "record_usage", err)
		}
	}

	l.metrics.RecordUsage(resource, amount)
	return nil
}

// Status reads the state of every rule of the subject's tier without
// consuming anything
func (l *Limiter) Status(ctx context.Context, subject string) (map[Dimension][]DimensionStatus, error) {
	rules := l.policies.Policy().RulesFor(subject, "")
	status := make(map[Dimension][]DimensionStatus)
	if len(rules) == 0 {
		return status, nil
	}

	now := l.now()
	checks := l.plan(subject, rules, now)

	var results []store.CheckResult
	err := l.withStore(ctx, "status", func(ctx context.Context) error {
		var err error
		results, err = l.store.Peek(ctx, now, checks)
		return err
	})
	if err == nil && len(results) != len(checks) {
		err = fmt.Errorf("store returned %d results for %d checks", len(results), len(checks))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quota status: %w", err)
	}

	for i, r := range rules {
		res := results[i]
		status[r.Dimension] = append(status[r.Dimension], DimensionStatus{
			Rule:      r.Name,
			Resource:  r.Resource,
			Dimension: r.Dimension,
			Used:      res.Used,
			Limit:     r.Quota,
			Remaining: remaining(r, res, false),
			ResetAt:   res.ResetAt,
		})
	}
	return status, nil
}

func (l *Limiter) evaluate(ctx context.Context, op, subject, resource string, rules []Rule, consume bool) (Decision, []store.Check, error) {
	if len(rules) == 0 {
		return Decision{Allowed: true, Remaining: -1, Resource: resource}, nil, nil
	}

	now := l.now()
	checks := l.plan(subject, rules, now)

	var (
		results []store.CheckResult
		allowed bool
	)
	err := l.withStore(ctx, op, func(ctx context.Context) error {
		if consume {
			eval, err := l.store.Evaluate(ctx, now, checks)
			if err != nil {
				return err
			}
			results, allowed = eval.Results, eval.Allowed
			return nil
		}

		var err error
		results, err = l.store.Peek(ctx, now, checks)
		if err != nil {
			return err
		}
		allowed = true
		for _, res := range results {
			allowed = allowed && res.Allowed
		}
		return nil
	})
	if err == nil && len(results) != len(checks) {
		err = fmt.Errorf("store returned %d results for %d checks", len(results), len(checks))
	}

	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, nil, apperrors.NewCancelledError("rate limit check").WithCause(ctx.Err())
		}
		l.degraded(ctx, op, err)
		return Decision{
			Allowed:   true,
			Limit:     rules[0].Quota,
			Remaining: -1,
			Dimension: rules[0].Dimension,
			Rule:      rules[0].Name,
			Resource:  resource,
			Degraded:  true,
		}, nil, nil
	}

	decision := decide(rules, results, allowed, consume)
	decision.Resource = resource
	l.metrics.RecordDecision(string(decision.Dimension), decision.Allowed)

	if !decision.Allowed {
		l.logger.WithContext(ctx).WithFields(logrus.Fields{
			"subject":   subject,
			"resource":  resource,
			"dimension": decision.Dimension,
			"rule":      decision.Rule,
			"limit":     decision.Limit,
			"reset_at":  decision.ResetAt,
		}).Debug("Rate limit exceeded")
	}
	return decision, checks, nil
}

// plan builds one store check per rule, in rule order
func (l *Limiter) plan(subject string, rules []Rule, now time.Time) []store.Check {
	checks := make([]store.Check, len(rules))
	for i, r := range rules {
		switch r.Dimension {
		case DimensionConcurrent:
			checks[i] = store.Check{
				Key:   l.keys.rule(subject, r),
				Kind:  store.KindCounter,
				Limit: r.Quota,
				TTL:   l.concurrencyTTL,
			}
		case DimensionTokens:
			key, end := l.keys.bucket(subject, r, now)
			checks[i] = store.Check{
				Key:    key,
				Kind:   store.KindBudget,
				Limit:  r.Quota,
				Window: end.Sub(now),
			}
		default:
			checks[i] = store.Check{
				Key:    l.keys.rule(subject, r),
				Kind:   store.KindWindow,
				Limit:  r.Quota,
				Window: r.Window,
			}
		}
	}
	return checks
}

// decide reduces per-rule results to one decision
func decide(rules []Rule, results []store.CheckResult, allowed, consumed bool) Decision {
	pick := -1
	var least int64
	for i, res := range results {
		if allowed {
			rem := remaining(rules[i], res, consumed)
			if pick < 0 || rem < least {
				pick, least = i, rem
			}
			continue
		}
		if !res.Allowed && (pick < 0 || res.ResetAt.After(results[pick].ResetAt)) {
			pick = i
		}
	}

	r, res := rules[pick], results[pick]
	decision := Decision{
		Allowed:   allowed,
		Limit:     r.Quota,
		ResetAt:   res.ResetAt,
		Dimension: r.Dimension,
		Rule:      r.Name,
	}
	if allowed {
		decision.Remaining = least
	}
	return decision
}

// remaining is the headroom left after this evaluation. Budgets are only
// compared on admission, so nothing is subtracted for them.
func remaining(r Rule, res store.CheckResult, consumed bool) int64 {
	rem := r.Quota - res.Used
	if consumed && r.Dimension != DimensionTokens {
		rem--
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// withStore runs one bounded, traced and timed store operation
func (l *Limiter) withStore(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := l.tracer.StartStoreSpan(ctx, op)

	opCtx := ctx
	if l.opTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, l.opTimeout)
		defer cancel()
	}

	err := fn(opCtx)
	elapsed := time.Since(start)

	l.tracer.EndSpan(span, err)
	l.metrics.RecordStoreOperation(op, err, elapsed)
	if err == nil && l.degradation != nil {
		l.degradation.ReportSuccess(resilience.ComponentStore, elapsed)
	}
	return err
}

func (l *Limiter) degraded(ctx context.Context, op string, err error) {
	l.logger.LogDegradedMode(ctx, "rate_limiter", op, err)
	l.metrics.RecordDegraded(op)
	if l.degradation != nil {
		l.degradation.ReportFailure(resilience.ComponentStore, err)
	}
}
