package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// createWindowScript counts one creation in the user's current minute and returns the
// count together with the remaining window in milliseconds.
var createWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

const createWindow = time.Minute

// CreateLimiter caps transaction creation per user per minute. Counters live under
// "<prefix>:create_transaction:<user id>" and are shared by every service instance.
type CreateLimiter struct {
	client    redis.UniversalClient
	prefix    string
	perMinute int
}

func NewCreateLimiter(client redis.UniversalClient, prefix string, perMinute int) *CreateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "pixgate:rate_limit"
	}
	return &CreateLimiter{client: client, prefix: prefix, perMinute: perMinute}
}

func (c *CreateLimiter) key(userID string) string {
	return c.prefix + ":create_transaction:" + userID
}

// Allow records one creation attempt for userID. It reports whether the attempt fits
// the per-minute budget and, when it does not, how many seconds remain in the window.
// Redis errors are returned with allowed set so callers can fail open.
func (c *CreateLimiter) Allow(ctx context.Context, userID string) (bool, int, error) {
	userID = strings.TrimSpace(userID)
	if c == nil || c.client == nil || c.perMinute <= 0 || userID == "" {
		return true, 0, nil
	}

	windowMs := createWindow.Milliseconds()
	raw, err := createWindowScript.Run(ctx, c.client, []string{c.key(userID)}, windowMs).Result()
	if err != nil {
		return true, 0, err
	}
	count, ttlMs, err := parseWindowReply(raw)
	if err != nil {
		return true, 0, err
	}
	if count <= int64(c.perMinute) {
		return true, 0, nil
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return false, retryAfterSeconds(ttlMs), nil
}

func parseWindowReply(raw any) (count, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected create limiter reply: %T", raw)
	}
	if count, ok = values[0].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected create limiter count: %T", values[0])
	}
	if ttlMs, ok = values[1].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected create limiter ttl: %T", values[1])
	}
	return count, ttlMs, nil
}

// retryAfterSeconds rounds the remaining window up to whole seconds, never below one.
func retryAfterSeconds(ttlMs int64) int {
	return max(int((ttlMs+999)/1000), 1)
}
