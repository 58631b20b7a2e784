package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// windowLog is a sliding-window log: entry timestamps in ascending order
type windowLog struct {
	entries   []time.Time
	expiresAt time.Time
}

// counterEntry backs both counter and budget keys
type counterEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process CountingStore. The store mutex plays the part
// the Redis server plays for RedisStore: every evaluation is serialized.
//
// It is only suitable for a single process.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]*windowLog
	counters map[string]*counterEntry
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore creates a MemoryStore. When sweepInterval is positive a
// background goroutine removes expired keys until Close is called.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows:  make(map[string]*windowLog),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if sweepInterval > 0 {
		go s.runSweeper(sweepInterval)
	} else {
		close(s.done)
	}

	return s
}

// SetClock replaces the clock used for usage expiry and sweeping
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Evaluate implements CountingStore
func (s *MemoryStore) Evaluate(ctx context.Context, now time.Time, checks []Check) (*Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eval := &Evaluation{Allowed: true, Results: make([]CheckResult, len(checks))}
	for i, c := range checks {
		eval.Results[i] = s.measure(now, c)
		if !eval.Results[i].Allowed {
			eval.Allowed = false
		}
	}

	if !eval.Allowed {
		return eval, nil
	}

	for _, c := range checks {
		switch c.Kind {
		case KindWindow:
			log := s.windows[c.Key]
			if log == nil {
				log = &windowLog{}
				s.windows[c.Key] = log
			}
			log.entries = insertSorted(log.entries, now)
			log.expiresAt = now.Add(c.Window)
		case KindCounter:
			entry := s.liveCounter(now, c.Key)
			if entry == nil {
				entry = &counterEntry{}
				s.counters[c.Key] = entry
			}
			entry.value++
			if c.TTL > 0 {
				entry.expiresAt = now.Add(c.TTL)
			}
		}
	}

	return eval, nil
}

// Peek implements CountingStore
func (s *MemoryStore) Peek(ctx context.Context, now time.Time, checks []Check) ([]CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]CheckResult, len(checks))
	for i, c := range checks {
		results[i] = s.measure(now, c)
	}
	return results, nil
}

// measure must be called with s.mu held
func (s *MemoryStore) measure(now time.Time, c Check) CheckResult {
	switch c.Kind {
	case KindWindow:
		var entries []time.Time
		if log := s.windows[c.Key]; log != nil {
			log.entries = pruneWindow(log.entries, now.Add(-c.Window))
			entries = log.entries
		}

		count := int64(len(entries))
		result := CheckResult{Used: count, Allowed: count < c.Limit}
		switch {
		case result.Allowed && count == 0:
			result.ResetAt = now.Add(c.Window)
		case result.Allowed:
			result.ResetAt = entries[0].Add(c.Window)
		default:
			result.ResetAt = entries[count-c.Limit].Add(c.Window)
		}
		return result

	case KindBudget:
		var used int64
		resetAt := now.Add(c.Window)
		if entry := s.liveCounter(now, c.Key); entry != nil {
			used = entry.value
			if !entry.expiresAt.IsZero() {
				resetAt = entry.expiresAt
			}
		}
		return CheckResult{Used: used, Allowed: used < c.Limit, ResetAt: resetAt}

	default:
		var used int64
		if entry := s.liveCounter(now, c.Key); entry != nil {
			used = entry.value
		}
		return CheckResult{Used: used, Allowed: used < c.Limit, ResetAt: now}
	}
}

// liveCounter returns the counter for key, dropping it if expired. Caller holds s.mu.
func (s *MemoryStore) liveCounter(now time.Time, key string) *counterEntry {
	entry, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return entry
}

// Release implements CountingStore
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.counters[key]; ok && entry.value > 0 {
		entry.value--
	}
	return nil
}

// IncrementBy implements CountingStore
func (s *MemoryStore) IncrementBy(ctx context.Context, now time.Time, key string, amount int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveCounter(now, key)
	if entry == nil {
		entry = &counterEntry{}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		s.counters[key] = entry
	}
	entry.value += amount
	return entry.value, nil
}

// Ping implements CountingStore
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close stops the sweeper and waits for it to exit
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Len reports the number of live keys, for tests and diagnostics
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows) + len(s.counters)
}

func (s *MemoryStore) runSweeper(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			s.mu.Unlock()
			s.sweep(now)
		case <-s.stop:
			return
		}
	}
}

// sweep removes window logs and counters whose expiry has passed
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, log := range s.windows {
		if !now.Before(log.expiresAt) {
			delete(s.windows, key)
		}
	}
	for key, entry := range s.counters {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// pruneWindow drops entries at or before cutoff
func pruneWindow(entries []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].After(cutoff)
	})
	if idx == 0 {
		return entries
	}
	return append(entries[:0], entries[idx:]...)
}

func insertSorted(entries []time.Time, t time.Time) []time.Time {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].After(t)
	})
	entries = append(entries, time.Time{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = t
	return entries
}
