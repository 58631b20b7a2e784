// Package coordinator composes the rate limiter, circuit breaker and retry
// engine around a unit of work.
//
// Each execution goes through the same steps:
//
//  1. Admission against every applicable quota. A rejection returns at once
//     and has no side effects.
//  2. The concurrency token is released by the coordinator itself, exactly
//     once, whatever the outcome.
//  3. A breaker guard wraps the retry sequence, which is raced against the
//     execution timeout. An open breaker rejects without calling the work.
//  4. Usage is recorded only when the work succeeded, then the result is
//     metered, traced and written to the ledger.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/internal/ratelimit"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/metrics"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
	"github.com/NikhilSetiya/agentguard/pkg/tracing"
)

// Status is the terminal state of an execution
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// WorkResult is what a unit of work hands back on success. Usage is the
// measured token or cost consumption, recorded against the subject's budget.
type WorkResult struct {
	Output interface{}
	Usage  int64
}

// Work is a unit of work. It may return a *errors.ClassifiedError to state
// its own failure kind; anything else goes through errors.Classify.
type Work func(ctx context.Context) (*WorkResult, error)

// ExecutionResult is the outcome of one execution. Failures are reported
// here rather than returned as errors.
type ExecutionResult struct {
	ID         string                     `json:"id"`
	Status     Status                     `json:"status"`
	Error      *errors.ClassifiedError    `json:"error,omitempty"`
	Attempts   int                        `json:"attempts"`
	RetryCount int                        `json:"retry_count"`
	Duration   time.Duration              `json:"duration"`
	Subject    string                     `json:"subject"`
	Resource   string                     `json:"resource"`
	Output     interface{}                `json:"output,omitempty"`
	Usage      int64                      `json:"usage,omitempty"`
	RateLimit  *ratelimit.Decision        `json:"rate_limit,omitempty"`
	ProbeAt    *time.Time                 `json:"probe_at,omitempty"`
	Retries    []resilience.AttemptRecord `json:"retries,omitempty"`
	StartedAt  time.Time                  `json:"started_at"`
}

// Succeeded reports whether the work completed successfully
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// RetryAfter is the wait to advertise for a rejected execution, in whole
// seconds. An open breaker answers with the time left until its next probe,
// a quota with its reset. It is zero when neither is known.
func RetryAfter(r *ExecutionResult, now time.Time) time.Duration {
	if r == nil || r.Status != StatusRejected {
		return 0
	}
	if r.ProbeAt != nil {
		wait := r.ProbeAt.Sub(now)
		if wait <= time.Second {
			return time.Second
		}
		return time.Duration(math.Ceil(wait.Seconds())) * time.Second
	}
	if r.RateLimit == nil || r.RateLimit.ResetAt.IsZero() {
		return 0
	}
	return r.RateLimit.RetryAfter(now)
}

// Limiter is the admission side of the rate limiter
type Limiter interface {
	Admit(ctx context.Context, subject, resource string) (*ratelimit.Admission, error)
	RecordUsage(ctx context.Context, subject, resource string, amount int64) error
}

// Coordinator runs units of work under quota, breaker and retry protection
type Coordinator struct {
	limiter        Limiter
	breakers       *resilience.BreakerRegistry
	retryPolicy    func(resource string) resilience.RetryPolicy
	recorder       ledger.Recorder
	alerts         *resilience.ErrorAlertGenerator
	logger         *logging.Logger
	metrics        *metrics.Metrics
	tracer         *tracing.TracingService
	defaultTimeout time.Duration
	recordTimeout  time.Duration
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithRetryPolicy sets the per-resource retry policy lookup
func WithRetryPolicy(policy func(resource string) resilience.RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retryPolicy = policy
	}
}

// WithRecorder writes every finished execution to a ledger
func WithRecorder(recorder ledger.Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// WithAlerts raises alerts for severe execution failures
func WithAlerts(alerts *resilience.ErrorAlertGenerator) Option {
	return func(c *Coordinator) {
		c.alerts = alerts
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracing sets the tracer
func WithTracing(ts *tracing.TracingService) Option {
	return func(c *Coordinator) {
		c.tracer = ts
	}
}

// WithDefaultTimeout applies when Execute is called without a timeout
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// New creates a coordinator
func New(limiter Limiter, breakers *resilience.BreakerRegistry, opts ...Option) *Coordinator {
	c := &Coordinator{
		limiter:        limiter,
		breakers:       breakers,
		recorder:       ledger.NopRecorder{},
		defaultTimeout: 2 * time.Minute,
		recordTimeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryPolicy == nil {
		c.retryPolicy = func(string) resilience.RetryPolicy { return resilience.DefaultRetryPolicy() }
	}
	c.logger = logging.OrDefault(c.logger)
	return c
}

// Execute runs work for subject against resource. A timeout of zero uses the
// coordinator default. The result is never nil.
func (c *Coordinator) Execute(ctx context.Context, subject, resource string, work Work, timeout time.Duration) *ExecutionResult {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	result := &ExecutionResult{
		ID:        uuid.New().String(),
		Subject:   subject,
		Resource:  resource,
		StartedAt: time.Now(),
	}

	ctx = logging.WithExecutionID(ctx, result.ID)
	ctx = logging.WithSubject(ctx, subject)
	ctx, span := c.tracer.StartExecutionSpan(ctx, result.ID, subject, resource)

	admission, err := c.limiter.Admit(ctx, subject, resource)
	switch {
	case err != nil:
		result.Status = StatusFailed
		result.Error = errors.Classify(err)
	case !admission.Decision.Allowed:
		decision := admission.Decision
		result.Status = StatusRejected
		result.RateLimit = &decision
		result.Error = decision.Err()
	default:
		decision := admission.Decision
		result.RateLimit = &decision
		c.runAdmitted(ctx, result, admission.Token, work, timeout)
	}

	result.Duration = time.Since(result.StartedAt)
	c.finish(ctx, result)
	c.tracer.EndSpan(span, errorOrNil(result.Error))
	return result
}

// runAdmitted owns the concurrency token from admission to release
func (c *Coordinator) runAdmitted(ctx context.Context, result *ExecutionResult, token *ratelimit.Token, work Work, timeout time.Duration) {
	c.metrics.ExecutionStarted(result.Resource)
	defer func() {
		if err := token.Release(ctx); err != nil {
			c.logger.LogError(ctx, err, "Failed to release concurrency token", logrus.Fields{
				"subject":  result.Subject,
				"resource": result.Resource,
			})
		}
		c.metrics.ExecutionFinished(result.Resource)
	}()

	breaker := c.breakers.Get(result.Resource)
	guard, allowErr := breaker.Allow()
	if allowErr != nil {
		c.metrics.RecordBreakerRejection(result.Resource)
		result.Status = StatusRejected
		result.Error = errors.Classify(allowErr)
		if at := breaker.ProbeAt(); !at.IsZero() {
			result.ProbeAt = &at
		}
		return
	}

	output, report, attempts, err := c.run(ctx, guard, result.Resource, work, timeout)
	result.Attempts = attempts
	if report != nil {
		result.Retries = report.Records
	}
	if result.Attempts > 0 {
		result.RetryCount = result.Attempts - 1
	}

	if err != nil {
		result.Status = StatusFailed
		result.Error = err
		return
	}

	result.Status = StatusSucceeded
	if output != nil {
		result.Output = output.Output
		result.Usage = output.Usage
	}

	if result.Usage > 0 {
		if err := c.limiter.RecordUsage(context.WithoutCancel(ctx), result.Subject, result.Resource, result.Usage); err != nil {
			c.logger.LogError(ctx, err, "Failed to record usage", logrus.Fields{
				"subject":  result.Subject,
				"resource": result.Resource,
				"usage":    result.Usage,
			})
		}
	}
}

type outcome struct {
	value  *WorkResult
	report *resilience.RetryReport
	err    error
}

// run executes the retry sequence under the breaker guard, bounded by timeout.
// On expiry the guard records the timeout and remaining retries are abandoned.
func (c *Coordinator) run(ctx context.Context, guard *resilience.Guard, resource string, work Work, timeout time.Duration) (*WorkResult, *resilience.RetryReport, int, *errors.ClassifiedError) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var attempts atomic.Int32
	policy := c.retryPolicy(resource)
	policy.OnRetry = c.onRetry(ctx, policy.OnRetry)
	retrier := resilience.NewRetrier(policy, resilience.WithRetryLogger(c.logger))

	done := make(chan outcome, 1)
	go func() {
		value, report, err := retrier.Do(runCtx, func(ctx context.Context) (interface{}, error) {
			n := int(attempts.Add(1))
			return c.attempt(ctx, resource, n, work)
		})
		wr, _ := value.(*WorkResult)
		done <- outcome{value: wr, report: report, err: err}
	}()

	select {
	case out := <-done:
		n := int(attempts.Load())
		if out.err != nil && runCtx.Err() != nil {
			return nil, out.report, n, c.expired(ctx, guard, resource, timeout, n)
		}
		guard.Done(out.err)
		if out.err != nil {
			return nil, out.report, n, errors.Classify(out.err)
		}
		return out.value, out.report, n, nil

	case <-runCtx.Done():
		n := int(attempts.Load())
		return nil, nil, n, c.expired(ctx, guard, resource, timeout, n)
	}
}

// onRetry marks every scheduled retry on the execution span, then calls next
func (c *Coordinator) onRetry(ctx context.Context, next func(int, *errors.ClassifiedError, time.Duration)) func(int, *errors.ClassifiedError, time.Duration) {
	span := oteltrace.SpanFromContext(ctx)
	return func(attempt int, err *errors.ClassifiedError, wait time.Duration) {
		attrs := []attribute.KeyValue{
			attribute.Int("retry.attempt", attempt),
			attribute.Int64("retry.wait_ms", wait.Milliseconds()),
		}
		if err != nil {
			attrs = append(attrs, attribute.String("error.kind", string(err.Kind)))
		}
		c.tracer.AddSpanEvent(span, "retry_scheduled", attrs...)
		if next != nil {
			next(attempt, err, wait)
		}
	}
}

// expired settles the guard once the execution context has ended. Only the
// coordinator's own deadline counts against the breaker.
func (c *Coordinator) expired(ctx context.Context, guard *resilience.Guard, resource string, timeout time.Duration, n int) *errors.ClassifiedError {
	if ctx.Err() != nil {
		guard.Cancel()
		return errors.NewCancelledError(resource + " execution").WithCause(ctx.Err()).WithAttempts(n)
	}

	timeoutErr := errors.NewExecutionTimeoutError(resource+" execution", timeout).WithAttempts(n)
	guard.Done(timeoutErr)
	return timeoutErr
}

// attempt runs one try of the work. A panic becomes an Internal error.
func (c *Coordinator) attempt(ctx context.Context, resource string, n int, work Work) (value interface{}, err error) {
	ctx, span := c.tracer.StartAttemptSpan(ctx, resource, n)
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordPanic("coordinator")
			c.logger.WithContext(ctx).WithFields(logrus.Fields{
				"resource": resource,
				"attempt":  n,
				"panic":    fmt.Sprint(r),
			}).Error("Unit of work panicked")
			value, err = nil, errors.NewInternalError(fmt.Sprintf("%s call failed unexpectedly", resource))
		}
		c.tracer.EndSpan(span, err)
	}()

	wr, err := work(ctx)
	if err != nil {
		return nil, err
	}
	return wr, nil
}

// finish emits the side effects of a terminal result
func (c *Coordinator) finish(ctx context.Context, result *ExecutionResult) {
	c.metrics.RecordExecution(result.Resource, string(result.Status), result.Attempts, result.Duration)

	fields := logrus.Fields{
		"execution_id": result.ID,
		"status":       result.Status,
		"attempts":     result.Attempts,
		"duration_ms":  result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		fields["error_kind"] = result.Error.Kind
		fields["error_code"] = result.Error.Code
		c.metrics.RecordError("coordinator", string(result.Error.Kind))
	}
	c.logger.LogExecutionEvent(ctx, "execution_finished", result.Subject, result.Resource, fields)

	if result.Error != nil && c.alerts != nil {
		c.alerts.HandleError(ctx, result.Error, "execution:"+result.Resource, map[string]interface{}{
			"execution_id": result.ID,
			"subject":      result.Subject,
		})
	}

	rec := &ledger.Record{
		ID:         result.ID,
		Subject:    result.Subject,
		Resource:   result.Resource,
		Status:     string(result.Status),
		Attempts:   result.Attempts,
		DurationMs: result.Duration.Milliseconds(),
		Usage:      result.Usage,
		Degraded:   result.RateLimit != nil && result.RateLimit.Degraded,
		StartedAt:  result.StartedAt,
		FinishedAt: result.StartedAt.Add(result.Duration),
	}
	if result.Error != nil {
		rec.ErrorKind = ledger.NullString(string(result.Error.Kind))
		rec.ErrorCode = ledger.NullString(result.Error.Code)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.recordTimeout)
	defer cancel()
	if err := c.recorder.Record(recordCtx, rec); err != nil {
		c.logger.LogError(ctx, err, "Failed to write execution ledger", logrus.Fields{
			"execution_id": result.ID,
		})
	}
}

// errorOrNil keeps a nil *ClassifiedError from becoming a non-nil error
func errorOrNil(err *errors.ClassifiedError) error {
	if err == nil {
		return nil
	}
	return err
}
