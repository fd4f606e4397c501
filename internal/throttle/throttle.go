package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter caps export submissions per tenant: at most maxActive exports in
// flight and at most hourlyCap submissions per sliding hour, enforced
// atomically in one Lua script. A Redis outage degrades to allow, so the
// throttle can never take the export path down with it.
type Limiter struct {
	client    *redis.Client
	maxActive int
	hourlyCap int
	activeTTL time.Duration
}

// New builds a limiter. activeTTL bounds how long a crashed worker can pin an
// in-flight slot.
func New(client *redis.Client, maxActive, hourlyCap int, activeTTL time.Duration) *Limiter {
	return &Limiter{
		client:    client,
		maxActive: maxActive,
		hourlyCap: hourlyCap,
		activeTTL: activeTTL,
	}
}

func activeKey(tenantID string) string { return "exports:active:" + tenantID }
func windowKey(tenantID string) string { return "exports:window:" + tenantID }

// Allow reserves a submission slot for the tenant if both caps permit.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := allowScript.Run(ctx, l.client,
		[]string{activeKey(tenantID), windowKey(tenantID)},
		l.maxActive, l.hourlyCap, now, l.activeTTL.Milliseconds(),
	).Result()
	if err != nil {
		// Fail open: the job store still bounds total work.
		return Decision{Allowed: true}, nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{Allowed: true}, nil
	}
	if n, ok := arr[0].(int64); ok && n == 1 {
		return Decision{Allowed: true}, nil
	}
	reason := "export limit reached"
	if s, ok := arr[1].(string); ok && s != "" {
		reason = s
	}
	return Decision{Allowed: false, Reason: reason}, nil
}

// Release frees an in-flight slot once its job reaches a terminal state.
func (l *Limiter) Release(ctx context.Context, tenantID string) error {
	res, err := l.client.Decr(ctx, activeKey(tenantID)).Result()
	if err != nil {
		return err
	}
	if res < 0 {
		return l.client.Del(ctx, activeKey(tenantID)).Err()
	}
	return nil
}

var allowScript = redis.NewScript(`
local activeKey = KEYS[1]
local windowKey = KEYS[2]
local maxActive = tonumber(ARGV[1])
local hourlyCap = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local activeTTL = tonumber(ARGV[4])
local hourMs = 3600 * 1000

local active = tonumber(redis.call('GET', activeKey) or '0')
if active >= maxActive then
  return {0, 'too many exports in progress'}
end

redis.call('ZREMRANGEBYSCORE', windowKey, '-inf', now - hourMs)
local recent = redis.call('ZCARD', windowKey)
if recent >= hourlyCap then
  return {0, 'hourly export limit reached'}
end

redis.call('INCR', activeKey)
if activeTTL > 0 then redis.call('PEXPIRE', activeKey, activeTTL) end
redis.call('ZADD', windowKey, now, tostring(now) .. '-' .. tostring(recent))
redis.call('PEXPIRE', windowKey, hourMs)
return {1, ''}
`)
