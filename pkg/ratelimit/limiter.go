package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/richxcame/fare-settlement/pkg/config"
)

// tokenBucketScript refills the bucket for the elapsed time, then takes one
// token if available. Returns {allowed, remaining, retry_after_ms, reset_after_ms}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed = math.max(0, now_ms - ts)
tokens = math.min(capacity, tokens + elapsed * refill_per_ms)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = math.ceil((1 - tokens) / refill_per_ms)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, ttl_ms)

local reset_after = math.ceil((capacity - tokens) / refill_per_ms)
return {allowed, math.floor(tokens), retry_after, reset_after}
`

// Rule is the bucket applied to one endpoint. Limit tokens refill per Window
// and Burst extra tokens absorb spikes.
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Result describes the outcome of one Allow call
type Result struct {
	Allowed     bool
	Remaining   int
	Limit       int
	Window      time.Duration
	RetryAfter  time.Duration
	ResetAfter  time.Duration
	CallerKey   string
	EndpointKey string
}

// Limiter is a Redis-backed token bucket keyed by endpoint and caller
type Limiter struct {
	client redis.Scripter
	cfg    config.RateLimitConfig
	script *redis.Script
	now    func() time.Time
}

// NewLimiter creates a limiter
func NewLimiter(client redis.Scripter, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
	}
}

// WithNow replaces the clock
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// RuleFor returns the rule of an endpoint, applying any configured override
func (l *Limiter) RuleFor(endpoint string) Rule {
	rule := Rule{
		Limit:  l.cfg.DefaultLimit,
		Burst:  l.cfg.DefaultBurst,
		Window: l.cfg.Window(),
	}

	if override, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		if override.Limit > 0 {
			rule.Limit = override.Limit
		}
		if override.Burst >= 0 {
			rule.Burst = override.Burst
		}
		if override.WindowSeconds > 0 {
			rule.Window = time.Duration(override.WindowSeconds) * time.Second
		}
	}

	if rule.Burst < 0 {
		rule.Burst = 0
	}
	return rule
}

// Allow takes one token from the caller's bucket for the endpoint. A disabled
// limiter or a rule without a limit always allows.
func (l *Limiter) Allow(ctx context.Context, endpoint, caller string, rule Rule) (Result, error) {
	result := Result{
		Allowed:     true,
		Remaining:   rule.Limit,
		Limit:       rule.Limit,
		Window:      rule.Window,
		CallerKey:   caller,
		EndpointKey: endpoint,
	}
	if !l.cfg.Enabled || rule.Limit <= 0 {
		return result, nil
	}

	window := rule.Window
	if window <= 0 {
		window = l.cfg.Window()
	}
	capacity := float64(rule.Limit + rule.Burst)
	refillPerMs := float64(rule.Limit) / float64(window.Milliseconds())

	key := fmt.Sprintf("%s:%s:%s", l.cfg.RedisPrefix, endpoint, caller)
	values, err := l.script.Run(ctx, l.client, []string{key},
		formatFloat(capacity),
		formatFloat(refillPerMs),
		l.now().UnixMilli(),
		(2 * window).Milliseconds(),
	).Slice()
	if err != nil {
		return result, fmt.Errorf("rate limit script: %w", err)
	}
	if len(values) != 4 {
		return result, fmt.Errorf("rate limit script: unexpected reply of %d values", len(values))
	}

	result.Allowed = toInt(values[0]) == 1
	result.Remaining = toInt(values[1])
	result.RetryAfter = time.Duration(toInt(values[2])) * time.Millisecond
	result.ResetAfter = time.Duration(toInt(values[3])) * time.Millisecond
	return result, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
