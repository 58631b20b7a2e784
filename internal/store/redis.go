package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// evaluateLua measures every check, then consumes only if all of them pass.
//
// KEYS: one per check
// ARGV: now_ms, member, dry_run, then (kind, limit, window_ms, ttl_ms) per check
// Returns: {all_allowed, used_1, allowed_1, reset_ms_1, used_2, ...}
const evaluateLua = `
local now = tonumber(ARGV[1])
local member = ARGV[2]
local dry_run = ARGV[3] == "1"
local n = #KEYS

local kinds, limits, windows, ttls = {}, {}, {}, {}
local used, allowed, reset = {}, {}, {}
local all = 1

for i = 1, n do
	local base = 3 + (i - 1) * 4
	kinds[i] = ARGV[base + 1]
	limits[i] = tonumber(ARGV[base + 2])
	windows[i] = tonumber(ARGV[base + 3])
	ttls[i] = tonumber(ARGV[base + 4])
	local key = KEYS[i]

	if kinds[i] == "window" then
		redis.call("ZREMRANGEBYSCORE", key, "-inf", now - windows[i])
		local count = redis.call("ZCARD", key)
		used[i] = count
		if count < limits[i] then
			allowed[i] = 1
			local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
			if #oldest > 0 then
				reset[i] = tonumber(oldest[2]) + windows[i]
			else
				reset[i] = now + windows[i]
			end
		else
			allowed[i] = 0
			local idx = count - limits[i]
			local entry = redis.call("ZRANGE", key, idx, idx, "WITHSCORES")
			reset[i] = tonumber(entry[2]) + windows[i]
		end
	else
		local count = tonumber(redis.call("GET", key) or "0")
		used[i] = count
		if count < limits[i] then
			allowed[i] = 1
		else
			allowed[i] = 0
		end
		if kinds[i] == "budget" then
			local pttl = redis.call("PTTL", key)
			if pttl > 0 then
				reset[i] = now + pttl
			else
				reset[i] = now + windows[i]
			end
		else
			reset[i] = now
		end
	end

	if allowed[i] == 0 then
		all = 0
	end
end

if all == 1 and not dry_run then
	for i = 1, n do
		local key = KEYS[i]
		if kinds[i] == "window" then
			redis.call("ZADD", key, now, member)
			redis.call("PEXPIRE", key, windows[i])
		elseif kinds[i] == "counter" then
			redis.call("INCR", key)
			if ttls[i] > 0 then
				redis.call("PEXPIRE", key, ttls[i])
			end
		end
	end
end

local out = {all}
for i = 1, n do
	table.insert(out, used[i])
	table.insert(out, allowed[i])
	table.insert(out, reset[i])
end
return out
`

// releaseLua decrements a counter without letting it go negative
const releaseLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`

// incrementLua adds to a budget counter and sets the expiry only on creation
const incrementLua = `
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return current
`

// RedisStore implements CountingStore on Redis. All keys of one evaluation
// must share a hash tag so the script stays valid on Redis Cluster.
type RedisStore struct {
	client          redis.UniversalClient
	evaluateScript  *redis.Script
	releaseScript   *redis.Script
	incrementScript *redis.Script
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:          client,
		evaluateScript:  redis.NewScript(evaluateLua),
		releaseScript:   redis.NewScript(releaseLua),
		incrementScript: redis.NewScript(incrementLua),
	}
}

// Evaluate implements CountingStore
func (s *RedisStore) Evaluate(ctx context.Context, now time.Time, checks []Check) (*Evaluation, error) {
	return s.run(ctx, now, checks, false)
}

// Peek implements CountingStore. Stale window entries are pruned as a side effect.
func (s *RedisStore) Peek(ctx context.Context, now time.Time, checks []Check) ([]CheckResult, error) {
	eval, err := s.run(ctx, now, checks, true)
	if err != nil {
		return nil, err
	}
	return eval.Results, nil
}

func (s *RedisStore) run(ctx context.Context, now time.Time, checks []Check, dryRun bool) (*Evaluation, error) {
	if len(checks) == 0 {
		return &Evaluation{Allowed: true}, nil
	}

	keys := make([]string, len(checks))
	args := make([]interface{}, 0, 3+len(checks)*4)
	args = append(args, now.UnixMilli(), fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()), boolArg(dryRun))
	for i, c := range checks {
		keys[i] = c.Key
		args = append(args, string(c.Kind), c.Limit, c.Window.Milliseconds(), c.TTL.Milliseconds())
	}

	values, err := s.evaluateScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, errors.NewDatabaseError("rate limit store evaluation failed").WithCause(err)
	}
	if len(values) != 1+len(checks)*3 {
		return nil, errors.NewInternalError(fmt.Sprintf("unexpected store reply length %d", len(values)))
	}

	eval := &Evaluation{
		Allowed: values[0] == 1,
		Results: make([]CheckResult, len(checks)),
	}
	for i := range checks {
		base := 1 + i*3
		eval.Results[i] = CheckResult{
			Used:    values[base],
			Allowed: values[base+1] == 1,
			ResetAt: time.UnixMilli(values[base+2]),
		}
	}
	return eval, nil
}

// Release implements CountingStore
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.releaseScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return errors.NewDatabaseError("failed to release concurrency slot").WithCause(err)
	}
	return nil
}

// IncrementBy implements CountingStore
// The server applies ttl relative to its own clock.
func (s *RedisStore) IncrementBy(ctx context.Context, now time.Time, key string, amount int64, ttl time.Duration) (int64, error) {
	total, err := s.incrementScript.Run(ctx, s.client, []string{key}, amount, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.NewDatabaseError("failed to record usage").WithCause(err)
	}
	return total, nil
}

// Ping implements CountingStore
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewDatabaseError("Redis ping failed").WithCause(err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
