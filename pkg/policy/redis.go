package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterDecision is the result of a shared rate-window check.
type CounterDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// CounterStore keeps the three rate windows in shared storage so limits hold
// across processes. Check never moves a counter; Commit increments all three.
type CounterStore interface {
	Check(ctx context.Context, tenantID string, limits Limits) (CounterDecision, error)
	Commit(ctx context.Context, tenantID string, limits Limits) error
}

// checkScript inspects the three fixed windows without writing.
// KEYS = minute, hour, day counter keys; ARGV = their limits.
// Returns {1} when all have headroom, else {0, window_index, pttl_ms}.
var checkScript = redis.NewScript(`
for i = 1, 3 do
    local count = tonumber(redis.call("GET", KEYS[i]) or "0")
    if count >= tonumber(ARGV[i]) then
        local ttl = redis.call("PTTL", KEYS[i])
        if ttl < 0 then ttl = 0 end
        return {0, i, ttl}
    end
end
return {1}
`)

// commitScript increments the three windows, arming each key's expiry on
// first touch so the window is rolling from its first event.
// KEYS = counter keys; ARGV = window lengths in milliseconds.
var commitScript = redis.NewScript(`
for i = 1, 3 do
    local count = redis.call("INCR", KEYS[i])
    if count == 1 then
        redis.call("PEXPIRE", KEYS[i], tonumber(ARGV[i]))
    end
end
return 1
`)

var windowNames = [3]string{"minute", "hour", "day"}

// RedisCounterStore implements CounterStore on redis.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects to redis at addr.
func NewRedisCounterStore(addr, password string, db int) *RedisCounterStore {
	return &RedisCounterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func counterKeys(tenantID string) []string {
	return []string{
		fmt.Sprintf("gantry:rate:%s:minute", tenantID),
		fmt.Sprintf("gantry:rate:%s:hour", tenantID),
		fmt.Sprintf("gantry:rate:%s:day", tenantID),
	}
}

func (s *RedisCounterStore) Check(ctx context.Context, tenantID string, limits Limits) (CounterDecision, error) {
	res, err := checkScript.Run(ctx, s.client, counterKeys(tenantID),
		limits.ReqsPerMinute, limits.ReqsPerHour, limits.ReqsPerDay).Result()
	if err != nil {
		return CounterDecision{}, fmt.Errorf("policy: redis check: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return CounterDecision{}, fmt.Errorf("policy: unexpected script reply %v", res)
	}
	if allowed, _ := vals[0].(int64); allowed == 1 {
		return CounterDecision{Allowed: true}, nil
	}
	if len(vals) != 3 {
		return CounterDecision{}, fmt.Errorf("policy: unexpected script reply %v", res)
	}
	idx, _ := vals[1].(int64)
	ttlMS, _ := vals[2].(int64)
	name := "minute"
	if idx >= 1 && idx <= 3 {
		name = windowNames[idx-1]
	}
	return CounterDecision{
		Reason:     fmt.Sprintf("Rate limit exceeded (%s)", name),
		RetryAfter: time.Duration(ttlMS) * time.Millisecond,
	}, nil
}

func (s *RedisCounterStore) Commit(ctx context.Context, tenantID string, limits Limits) error {
	err := commitScript.Run(ctx, s.client, counterKeys(tenantID),
		time.Minute.Milliseconds(), time.Hour.Milliseconds(), (24 * time.Hour).Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("policy: redis commit: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisCounterStore) Close() error { return s.client.Close() }
