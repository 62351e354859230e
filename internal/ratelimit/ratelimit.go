// Package ratelimit provides a redis-backed fixed window limiter used to
// throttle per-account API traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config controls the limiter.
type Config struct {
	// Limit is the number of requests allowed per window.
	Limit int
	// Window is the fixed window length.
	Window time.Duration
	// KeyPrefix namespaces limiter keys in redis.
	KeyPrefix string
}

func (config Config) withDefaults() Config {
	out := config
	if out.Limit <= 0 {
		out.Limit = 60
	}
	if out.Window <= 0 {
		out.Window = time.Minute
	}
	if out.KeyPrefix == "" {
		out.KeyPrefix = "ratelimit"
	}
	return out
}

// The script increments the window counter and attaches a TTL on first hit.
// The TTL check covers counters left behind without expiry after a crash.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// Limiter enforces a per-key fixed window quota.
type Limiter struct {
	client *redis.Client
	config Config
}

// New returns a Limiter over an established redis client.
func New(client *redis.Client, config Config) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Limiter{client: client, config: config.withDefaults()}, nil
}

// Allow reports whether the caller identified by key may proceed. Redis
// failures are surfaced to the caller, which decides whether to fail open.
func (limiter *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	windowKey := fmt.Sprintf("%s:%s", limiter.config.KeyPrefix, key)
	result, err := fixedWindowScript.Run(ctx, limiter.client, []string{windowKey},
		limiter.config.Limit, limiter.config.Window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
