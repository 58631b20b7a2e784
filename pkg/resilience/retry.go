package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// BackoffShape selects how the wait grows between attempts
type BackoffShape string

const (
	BackoffExponential BackoffShape = "exponential"
	BackoffLinear      BackoffShape = "linear"
	BackoffConstant    BackoffShape = "constant"
)

// DefaultGrowth is the multiplier for kinds without an entry in Multipliers
const DefaultGrowth = 2.0

// DefaultMultipliers back off harder on rate limiting and recover faster from
// database blips
func DefaultMultipliers() map[errors.Kind]float64 {
	return map[errors.Kind]float64{
		errors.KindRateLimit: 3.0,
		errors.KindDatabase:  1.5,
	}
}

// RetryPolicy holds configuration for retry logic
type RetryPolicy struct {
	// MaxAttempts includes the first attempt
	MaxAttempts int
	// BaseWait is the wait before the second attempt
	BaseWait time.Duration
	// MaxWait caps every wait
	MaxWait time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.0]
	Jitter bool
	// Backoff is the growth shape
	Backoff BackoffShape
	// Multipliers is the growth factor per classified kind
	Multipliers map[errors.Kind]float64
	// OnRetry is called before each wait
	OnRetry func(attempt int, err *errors.ClassifiedError, wait time.Duration)
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseWait:    500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Jitter:      true,
		Backoff:     BackoffExponential,
		Multipliers: DefaultMultipliers(),
	}
}

// AttemptRecord describes one attempt of a single Do call
type AttemptRecord struct {
	Attempt  int                     `json:"attempt"`
	Duration time.Duration           `json:"duration"`
	Wait     time.Duration           `json:"wait"`
	Err      *errors.ClassifiedError `json:"error,omitempty"`
}

// RetryReport is the attempt history of a single Do call
type RetryReport struct {
	Attempts int             `json:"attempts"`
	Records  []AttemptRecord `json:"records"`
}

// RetryCount is the number of attempts after the first
func (r *RetryReport) RetryCount() int {
	if r == nil || r.Attempts == 0 {
		return 0
	}
	return r.Attempts - 1
}

// Retrier runs an operation until it succeeds, hits a hard stop or runs out
// of attempts
type Retrier struct {
	policy RetryPolicy
	logger *logging.Logger
	random func() float64
}

// RetrierOption customizes a Retrier
type RetrierOption func(*Retrier)

// WithRetryLogger sets the logger
func WithRetryLogger(logger *logging.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithRandom replaces the jitter source, which must return values in [0, 1)
func WithRandom(random func() float64) RetrierOption {
	return func(r *Retrier) {
		r.random = random
	}
}

// NewRetrier creates a new retrier with the given policy
func NewRetrier(policy RetryPolicy, opts ...RetrierOption) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseWait <= 0 {
		policy.BaseWait = 100 * time.Millisecond
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = 30 * time.Second
	}
	if policy.Backoff == "" {
		policy.Backoff = BackoffExponential
	}
	if policy.Multipliers == nil {
		policy.Multipliers = DefaultMultipliers()
	}

	r := &Retrier{
		policy: policy,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// Policy returns the effective policy
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do executes op with retry logic. The returned error is always a
// *errors.ClassifiedError; on exhaustion it carries the attempt count.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, *RetryReport, error) {
	report := &RetryReport{}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, report, abandoned(err)
		}

		started := time.Now()
		result, err := op(ctx)
		report.Attempts = attempt
		record := AttemptRecord{Attempt: attempt, Duration: time.Since(started)}

		if err == nil {
			report.Records = append(report.Records, record)
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", r.policy.MaxAttempts,
				)
			}
			return result, report, nil
		}

		classified := errors.Classify(err)
		record.Err = classified

		if IsHardStop(classified) {
			report.Records = append(report.Records, record)
			r.logger.Debug("Error is not retryable, stopping",
				"code", classified.Code,
				"kind", string(classified.Kind),
				"attempt", attempt,
			)
			return result, report, classified
		}

		if attempt >= r.policy.MaxAttempts {
			report.Records = append(report.Records, record)
			r.logger.Warn("Operation failed after all retry attempts",
				"code", classified.Code,
				"kind", string(classified.Kind),
				"attempts", attempt,
			)
			return result, report, classified.WithAttempts(attempt)
		}

		wait := r.Backoff(attempt, classified.Kind)
		record.Wait = wait
		report.Records = append(report.Records, record)

		r.logger.Debug("Operation failed, retrying",
			"code", classified.Code,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"wait", wait.String(),
		)

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, classified, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, report, abandoned(ctx.Err())
		case <-timer.C:
		}
	}
}

// Backoff computes the wait after a failed attempt:
// min(MaxWait, BaseWait*growth), scaled by [0.5, 1.0] when jitter is on.
func (r *Retrier) Backoff(attempt int, kind errors.Kind) time.Duration {
	m, ok := r.policy.Multipliers[kind]
	if !ok || m <= 0 {
		m = DefaultGrowth
	}

	var growth float64
	switch r.policy.Backoff {
	case BackoffConstant:
		growth = 1
	case BackoffLinear:
		growth = 1 + (m-1)*float64(attempt-1)
	default:
		growth = math.Pow(m, float64(attempt-1))
	}

	wait := float64(r.policy.BaseWait) * growth
	if wait > float64(r.policy.MaxWait) {
		wait = float64(r.policy.MaxWait)
	}

	if r.policy.Jitter {
		wait *= 0.5 + 0.5*r.random()
	}

	return time.Duration(wait)
}

// IsHardStop reports whether a classified error must never be retried
func IsHardStop(err *errors.ClassifiedError) bool {
	if !err.Retryable {
		return true
	}
	switch err.Kind {
	case errors.KindBreakerOpen, errors.KindExecutionTimeout, errors.KindValidation, errors.KindConfiguration:
		return true
	}
	switch err.Code {
	case errors.CodeRateLimitExceeded, errors.CodeConcurrentLimitExceeded:
		return true
	}
	return false
}

// abandoned maps the reason the context ended to a classified error
func abandoned(ctxErr error) *errors.ClassifiedError {
	if stderrors.Is(ctxErr, context.DeadlineExceeded) {
		return errors.NewExecutionTimeoutError("execution", 0).WithCause(ctxErr)
	}
	return errors.NewCancelledError("execution").WithCause(ctxErr)
}

// RetryPolicyFromSpec converts policy file settings, filling gaps from DefaultRetryPolicy
func RetryPolicyFromSpec(spec config.RetrySpec) RetryPolicy {
	policy := DefaultRetryPolicy()
	if spec.MaxAttempts > 0 {
		policy.MaxAttempts = spec.MaxAttempts
	}
	if spec.BaseWait > 0 {
		policy.BaseWait = spec.BaseWait
	}
	if spec.MaxWait > 0 {
		policy.MaxWait = spec.MaxWait
	}
	if spec.Jitter != nil {
		policy.Jitter = *spec.Jitter
	}
	if spec.Backoff != "" {
		policy.Backoff = BackoffShape(spec.Backoff)
	}
	return policy
}

// PolicyRetry returns a per-resource retry policy lookup backed by the active policy
func PolicyRetry(policies *config.PolicyStore) func(resource string) RetryPolicy {
	return func(resource string) RetryPolicy {
		return RetryPolicyFromSpec(policies.Current().RetryFor(resource))
	}
}
