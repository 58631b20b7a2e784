package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
)

// fakeClock is a manually advanced clock shared by breakers under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errUpstream = apperrors.NewExternalServiceError("db", "connection refused")

func newTestBreaker(clock *fakeClock, mutate func(*CircuitBreakerConfig)) *CircuitBreaker {
	cfg := CircuitBreakerConfig{
		Name:              "db",
		FailureThreshold:  3,
		WindowSize:        10 * time.Second,
		Timeout:           30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
		Now:               clock.Now,
		Logger:            logging.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCircuitBreaker(cfg)
}

func fail(cb *CircuitBreaker) error {
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errUpstream
	})
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	return err
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", result)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint64(5), cb.Snapshot().TotalSuccesses)
}

func TestCircuitBreaker_OpensAtThresholdInsideWindow(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		err := fail(cb)
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindExternalService))
		clock.Advance(time.Second)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, IsBreakerOpen(err))
	assert.False(t, called, "open breaker must not call fn")
	assert.Equal(t, uint64(1), cb.Snapshot().TotalRejections)
}

func TestCircuitBreaker_WindowRollOver(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))

	// the first two failures leave the 10s window before the third arrives
	clock.Advance(11 * time.Second)
	require.Error(t, fail(cb))

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailuresInWindow)

	clock.Advance(time.Second)
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ExcludedKindsCountAsSuccess(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, apperrors.NewValidationError("bad prompt")
		})
		require.Error(t, err)
	}

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailuresInWindow)
	assert.Equal(t, uint64(10), snap.TotalSuccesses)
}

func TestCircuitBreaker_CancellationIsIgnored(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, context.Canceled
		})
		require.Error(t, err)
	}

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.TotalFailures)
	assert.Zero(t, snap.TotalSuccesses)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := newTestBreaker(clock, func(c *CircuitBreakerConfig) {
		c.OnStateChange = func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}
	})

	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	_, err := cb.Allow()
	assert.True(t, IsBreakerOpen(err), "still open before timeout")

	clock.Advance(time.Second)
	probe, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// only one probe may be in flight
	_, err = cb.Allow()
	assert.True(t, IsBreakerOpen(err))

	probe.Done(nil)
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is below the success threshold")

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Zero(t, snap.FailuresInWindow)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	clock.Advance(30 * time.Second)

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())
	reopenedAt := clock.Now()
	assert.Equal(t, reopenedAt, cb.Snapshot().OpenedAt)

	// the timeout clock restarted with the failed probe
	clock.Advance(20 * time.Second)
	_, err := cb.Allow()
	assert.True(t, IsBreakerOpen(err))

	clock.Advance(10 * time.Second)
	guard, err := cb.Allow()
	require.NoError(t, err)
	guard.Cancel()
}

func TestCircuitBreaker_BoundedProbes(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, func(c *CircuitBreakerConfig) {
		c.HalfOpenMaxProbes = 3
		c.SuccessThreshold = 3
	})
	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	clock.Advance(30 * time.Second)

	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := cb.Allow()
		require.NoError(t, err)
		guards = append(guards, g)
	}
	_, err := cb.Allow()
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, 3, cb.Snapshot().ProbesInFlight)

	// a cancelled probe frees its slot without an outcome
	guards[0].Cancel()
	g, err := cb.Allow()
	require.NoError(t, err)
	guards[0] = g

	for _, g := range guards {
		g.Done(nil)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestGuard_Idempotent(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)

	guard, err := cb.Allow()
	require.NoError(t, err)

	guard.Done(errUpstream)
	guard.Done(errUpstream)
	guard.Cancel()
	guard.Done(errUpstream)

	assert.Equal(t, uint64(1), cb.Snapshot().TotalFailures)
	assert.Equal(t, 1, cb.Snapshot().FailuresInWindow)
}

func TestCircuitBreaker_LateOutcomeFromOldGenerationIsIgnored(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)

	slow, err := cb.Allow()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(30 * time.Second)
	probe, err := cb.Allow()
	require.NoError(t, err)

	// the call admitted while CLOSED finishes now and must not touch HALF_OPEN state
	slow.Done(errUpstream)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, 1, cb.Snapshot().ProbesInFlight)

	probe.Done(nil)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_ConcurrentFailuresTransitionOnce(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	opens := 0
	cb := newTestBreaker(clock, func(c *CircuitBreakerConfig) {
		c.FailureThreshold = 10
		c.OnStateChange = func(name string, from, to CircuitState) {
			if to == StateOpen {
				mu.Lock()
				opens++
				mu.Unlock()
			}
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fail(cb)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 1, opens)

	snap := cb.Snapshot()
	assert.Equal(t, uint64(50), snap.TotalRequests+snap.TotalRejections)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), func(c *CircuitBreakerConfig) { c.FailureThreshold = 1 })

	assert.Panics(t, func() {
		_, _ = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("boom")
		})
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)
	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, succeed(cb))
}

func TestCircuitBreaker_ForeignErrorsAreClassified(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("dial tcp 10.0.0.1:5432: connection refused")
	})

	ce, ok := apperrors.As(err)
	require.True(t, ok)
	assert.True(t, ce.Retryable)
	assert.Equal(t, 1, cb.Snapshot().FailuresInWindow)
}

func TestDefaultConfigApplied(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "x", Logger: logging.NewNop()})
	snap := cb.Snapshot()
	assert.Equal(t, 5, snap.Config.FailureThreshold)
	assert.Equal(t, time.Minute, snap.Config.WindowSize)
	assert.Equal(t, DefaultExcludedKinds, snap.Config.ExcludedKinds)
}
