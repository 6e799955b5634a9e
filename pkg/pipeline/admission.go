package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy bounds how fast one caller may submit operations.
type Policy struct {
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst"`
}

// DefaultPolicy allows 50 operations per second with bursts of 100.
func DefaultPolicy() Policy { return Policy{RatePerSecond: 50, Burst: 100} }

// Admission decides whether a caller may start another operation.
type Admission interface {
	Allow(ctx context.Context, caller string) (bool, error)
}

// LocalAdmission keeps one token bucket per caller in process memory.
type LocalAdmission struct {
	policy Policy
	idle   time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	callers map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalAdmission builds an in-memory limiter. Buckets idle for longer than
// three minutes are forgotten on the next Prune.
func NewLocalAdmission(p Policy) *LocalAdmission {
	return &LocalAdmission{
		policy:  p,
		idle:    3 * time.Minute,
		clock:   time.Now,
		callers: make(map[string]*visitor),
	}
}

// WithClock overrides the time source used for refills and pruning.
func (a *LocalAdmission) WithClock(clock func() time.Time) *LocalAdmission {
	a.clock = clock
	return a
}

func (a *LocalAdmission) Allow(_ context.Context, caller string) (bool, error) {
	now := a.clock()
	a.mu.Lock()
	v, ok := a.callers[caller]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(a.policy.RatePerSecond), a.policy.Burst)}
		a.callers[caller] = v
	}
	v.lastSeen = now
	a.mu.Unlock()
	return v.limiter.AllowN(now, 1), nil
}

// Prune drops idle caller buckets and returns how many were removed.
func (a *LocalAdmission) Prune() int {
	now := a.clock()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, v := range a.callers {
		if now.Sub(v.lastSeen) > a.idle {
			delete(a.callers, id)
			n++
		}
	}
	return n
}

// redisTokenBucketScript refills and debits a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, tostring(tokens)}
`)

// RedisAdmission shares token buckets between kernel replicas.
type RedisAdmission struct {
	client *redis.Client
	policy Policy
	prefix string
	clock  func() time.Time
}

func NewRedisAdmission(addr, password string, db int, p Policy) *RedisAdmission {
	return NewRedisAdmissionWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), p)
}

func NewRedisAdmissionWithClient(client *redis.Client, p Policy) *RedisAdmission {
	return &RedisAdmission{client: client, policy: p, prefix: "forge:admission", clock: time.Now}
}

// Ping checks connectivity.
func (a *RedisAdmission) Ping(ctx context.Context) error { return a.client.Ping(ctx).Err() }

func (a *RedisAdmission) key(caller string) string { return a.prefix + ":" + caller }

func (a *RedisAdmission) Allow(ctx context.Context, caller string) (bool, error) {
	r := a.policy.RatePerSecond
	if r <= 0 {
		r = 1
	}
	now := float64(a.clock().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, a.client, []string{a.key(caller)}, r, a.policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis admission: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("redis admission: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}

func (a *RedisAdmission) Close() error { return a.client.Close() }
