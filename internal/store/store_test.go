package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) CountingStore

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) CountingStore {
			s := NewMemoryStore(0)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) CountingStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// base is millisecond aligned so both backends agree on timestamps
var base = time.UnixMilli(1_700_000_000_000)

func windowCheck(key string, limit int64, window time.Duration) Check {
	return Check{Key: key, Kind: KindWindow, Limit: limit, Window: window}
}

func TestStore_SlidingWindow(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			check := windowCheck("k:{a}:requests:*:60000", 3, time.Minute)

			for i := 0; i < 3; i++ {
				now := base.Add(time.Duration(i) * time.Second)
				eval, err := s.Evaluate(ctx, now, []Check{check})
				require.NoError(t, err)
				assert.True(t, eval.Allowed)
				assert.Equal(t, int64(i), eval.Results[0].Used)
				assert.Equal(t, base.Add(time.Minute), eval.Results[0].ResetAt)
			}

			eval, err := s.Evaluate(ctx, base.Add(10*time.Second), []Check{check})
			require.NoError(t, err)
			assert.False(t, eval.Allowed)
			assert.Equal(t, int64(3), eval.Results[0].Used)
			assert.Equal(t, base.Add(time.Minute), eval.Results[0].ResetAt)

			// first entry leaves the window exactly one window after it was recorded
			eval, err = s.Evaluate(ctx, base.Add(time.Minute), []Check{check})
			require.NoError(t, err)
			assert.True(t, eval.Allowed)
			assert.Equal(t, int64(2), eval.Results[0].Used)
			assert.Equal(t, base.Add(time.Minute+time.Second), eval.Results[0].ResetAt)
		})
	}
}

func TestStore_NoPartialConsumption(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			rpm := windowCheck("k:{a}:requests:*:60000", 10, time.Minute)
			slots := Check{Key: "k:{a}:concurrent:*:0", Kind: KindCounter, Limit: 1, TTL: time.Hour}

			eval, err := s.Evaluate(ctx, base, []Check{rpm, slots})
			require.NoError(t, err)
			require.True(t, eval.Allowed)

			// concurrent slot is taken, so the request window must not be charged
			eval, err = s.Evaluate(ctx, base.Add(time.Second), []Check{rpm, slots})
			require.NoError(t, err)
			assert.False(t, eval.Allowed)
			assert.True(t, eval.Results[0].Allowed)
			assert.False(t, eval.Results[1].Allowed)

			peek, err := s.Peek(ctx, base.Add(2*time.Second), []Check{rpm, slots})
			require.NoError(t, err)
			assert.Equal(t, int64(1), peek[0].Used)
			assert.Equal(t, int64(1), peek[1].Used)
		})
	}
}

func TestStore_CounterRelease(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			slots := Check{Key: "k:{a}:concurrent:*:0", Kind: KindCounter, Limit: 2, TTL: time.Hour}

			for i := 0; i < 2; i++ {
				eval, err := s.Evaluate(ctx, base, []Check{slots})
				require.NoError(t, err)
				require.True(t, eval.Allowed)
			}
			eval, err := s.Evaluate(ctx, base, []Check{slots})
			require.NoError(t, err)
			assert.False(t, eval.Allowed)

			require.NoError(t, s.Release(ctx, slots.Key))
			require.NoError(t, s.Release(ctx, slots.Key))
			require.NoError(t, s.Release(ctx, slots.Key)) // floors at zero

			peek, err := s.Peek(ctx, base, []Check{slots})
			require.NoError(t, err)
			assert.Equal(t, int64(0), peek[0].Used)
		})
	}
}

func TestStore_Budget(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			budget := Check{Key: "k:{a}:tokens:llm:3600000", Kind: KindBudget, Limit: 100, Window: time.Hour}

			total, err := s.IncrementBy(ctx, base, budget.Key, 60, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(60), total)

			eval, err := s.Evaluate(ctx, base, []Check{budget})
			require.NoError(t, err)
			assert.True(t, eval.Allowed)
			assert.Equal(t, int64(60), eval.Results[0].Used)

			total, err = s.IncrementBy(ctx, base, budget.Key, 45, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(105), total)

			eval, err = s.Evaluate(ctx, base, []Check{budget})
			require.NoError(t, err)
			assert.False(t, eval.Allowed)

			// budget checks never consume
			peek, err := s.Peek(ctx, base, []Check{budget})
			require.NoError(t, err)
			assert.Equal(t, int64(105), peek[0].Used)
		})
	}
}

func TestStore_ConcurrentAdmissionsNeverOvershoot(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			check := windowCheck("k:{a}:executions:*:60000", 25, time.Minute)

			var admitted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					eval, err := s.Evaluate(ctx, base, []Check{check})
					if err == nil && eval.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(25), admitted.Load())
		})
	}
}

func TestStore_PeekDoesNotConsume(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			check := windowCheck("k:{a}:requests:*:1000", 1, time.Second)

			for i := 0; i < 3; i++ {
				results, err := s.Peek(ctx, base, []Check{check})
				require.NoError(t, err)
				assert.True(t, results[0].Allowed)
			}
			eval, err := s.Evaluate(ctx, base, []Check{check})
			require.NoError(t, err)
			assert.True(t, eval.Allowed)
		})
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisStore(client)
	defer s.Close()

	mr.Close()

	ctx := context.Background()
	_, err := s.Evaluate(ctx, base, []Check{windowCheck("k", 1, time.Second)})
	assert.Error(t, err)
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Release(ctx, "k"))
}

func TestRedisStore_CounterSafetyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	slots := Check{Key: "k:{a}:concurrent:*:0", Kind: KindCounter, Limit: 1, TTL: time.Minute}
	eval, err := s.Evaluate(context.Background(), base, []Check{slots})
	require.NoError(t, err)
	require.True(t, eval.Allowed)

	assert.Equal(t, time.Minute, mr.TTL(slots.Key))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(slots.Key))
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()

	now := base
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := s.Evaluate(ctx, now, []Check{windowCheck("w", 5, time.Second)})
	require.NoError(t, err)
	_, err = s.IncrementBy(ctx, now, "b", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	s.sweep(now.Add(2 * time.Second))
	assert.Equal(t, 1, s.Len())

	s.sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_BudgetExpiryFollowsCallerClock(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()

	// the store's own clock lags the caller's by two hours
	s.SetClock(func() time.Time { return base })
	ctx := context.Background()
	budget := Check{Key: "k:{a}:tokens:*:3600000", Kind: KindBudget, Limit: 100, Window: time.Hour}
	now := base.Add(2 * time.Hour)

	_, err := s.IncrementBy(ctx, now, budget.Key, 10, time.Hour)
	require.NoError(t, err)

	results, err := s.Peek(ctx, now.Add(30*time.Minute), []Check{budget})
	require.NoError(t, err)
	assert.Equal(t, int64(10), results[0].Used)

	results, err = s.Peek(ctx, now.Add(time.Hour+time.Millisecond), []Check{budget})
	require.NoError(t, err)
	assert.Equal(t, int64(0), results[0].Used)
}

func TestMemoryStore_CloseStopsSweeper(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func ExampleMemoryStore() {
	s := NewMemoryStore(0)
	defer s.Close()

	check := Check{Key: "demo", Kind: KindWindow, Limit: 1, Window: time.Minute}
	first, _ := s.Evaluate(context.Background(), base, []Check{check})
	second, _ := s.Evaluate(context.Background(), base, []Check{check})
	fmt.Println(first.Allowed, second.Allowed)
	// Output: true false
}
