// Package store provides the shared counting store behind the rate limiter.
//
// Two backends are provided:
//   - RedisStore: Lua-scripted, shared by every process of the deployment
//   - MemoryStore: single-process, used for tests and local development
//
// Both evaluate a set of checks as one atomic step: every check is measured
// first and consumption is recorded only when all of them pass.
package store

import (
	"context"
	"time"
)

// CheckKind selects how a key is counted
type CheckKind string

const (
	// KindWindow is a sliding-window log: timestamped entries, pruned by age
	KindWindow CheckKind = "window"
	// KindCounter is an in-flight counter: incremented on admission, decremented on release
	KindCounter CheckKind = "counter"
	// KindBudget is a cumulative usage counter that admission only compares against
	KindBudget CheckKind = "budget"
)

// Check is one quota to evaluate.
//
// For KindWindow, Window is the sliding window length.
// For KindBudget, Window is the time left until the usage bucket rolls over.
// For KindCounter, TTL is the safety expiry refreshed on every admission so a
// crashed process cannot hold slots forever.
type Check struct {
	Key    string
	Kind   CheckKind
	Limit  int64
	Window time.Duration
	TTL    time.Duration
}

// CheckResult is the measured state of one check
type CheckResult struct {
	// Used is the count observed before this evaluation consumed anything
	Used    int64
	Allowed bool
	ResetAt time.Time
}

// Evaluation is the outcome of an atomic multi-check admission
type Evaluation struct {
	Allowed bool
	Results []CheckResult
}

// CountingStore is the narrow interface the rate limiter depends on
type CountingStore interface {
	// Evaluate atomically measures every check and, only if all pass,
	// consumes one unit from each window and counter check.
	Evaluate(ctx context.Context, now time.Time, checks []Check) (*Evaluation, error)

	// Peek measures checks without consuming anything
	Peek(ctx context.Context, now time.Time, checks []Check) ([]CheckResult, error)

	// Release decrements a counter, never below zero
	Release(ctx context.Context, key string) error

	// IncrementBy adds amount to a budget counter. A new key expires ttl after
	// now, measured on the same clock Evaluate and Peek are given.
	IncrementBy(ctx context.Context, now time.Time, key string, amount int64, ttl time.Duration) (int64, error)

	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error

	Close() error
}
