// Package ratelimit meters API callers with a Redis-backed generic cell
// rate algorithm (GCRA), so every API replica shares one budget per caller.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "storyforge:ratelimit"

// Policy admits Limit requests per Window, with bursts of up to Limit.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", domain.ErrInvalidInput)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: rate window must be positive", domain.ErrInvalidInput)
	}
	return nil
}

type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is how long a rejected caller must wait. Zero when allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the caller's budget is full again.
	ResetAfter time.Duration
}

type Option func(*RedisLimiter)

func WithKeyPrefix(prefix string) Option {
	return func(l *RedisLimiter) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *RedisLimiter) {
		l.now = now
	}
}

type RedisLimiter struct {
	client    redis.UniversalClient
	policy    Policy
	keyPrefix string
	now       func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, policy Policy, opts ...Option) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", domain.ErrNotConfigured)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}

	l := &RedisLimiter{
		client:    client,
		policy:    policy,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN spends cost units of subject's budget, or none if the budget
// cannot cover all of them.
func (l *RedisLimiter) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost <= 0 {
		return Decision{}, fmt.Errorf("%w: cost must be positive", domain.ErrInvalidInput)
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	emission := float64(l.policy.Window.Milliseconds()) / float64(l.policy.Limit)
	values, err := gcraScript.Run(ctx, l.client,
		[]string{l.keyPrefix + ":" + subject},
		l.now().UnixMilli(),
		emission,
		l.policy.Window.Milliseconds(),
		cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w: %w", subject, domain.ErrUnavailable, err)
	}
	if len(values) != 4 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", subject, values)
	}

	return Decision{
		Allowed:    values[0] == 1,
		Limit:      int64(l.policy.Limit),
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
		ResetAfter: time.Duration(values[3]) * time.Millisecond,
	}, nil
}

// gcraScript keeps one value per subject: the theoretical arrival time
// (tat) of the next request in unix milliseconds.
//
// KEYS[1] subject key
// ARGV[1] now (ms), ARGV[2] emission interval (ms), ARGV[3] burst window (ms),
// ARGV[4] cost
//
// Reply: {allowed, remaining, retry_after_ms, reset_after_ms}
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tat = tonumber(redis.call("GET", KEYS[1]))
if tat == nil or tat < now then
  tat = now
end

local new_tat = tat + emission * cost
local allow_at = new_tat - window

if allow_at > now then
  local remaining = math.floor((now - (tat - window)) / emission)
  return {0, math.max(remaining, 0), math.ceil(allow_at - now), math.ceil(tat - now)}
end

local reset_after = math.ceil(new_tat - now)
redis.call("SET", KEYS[1], string.format("%d", math.ceil(new_tat)), "PX", reset_after)
local remaining = math.floor((now - allow_at) / emission)
return {1, math.max(remaining, 0), 0, reset_after}
`)
