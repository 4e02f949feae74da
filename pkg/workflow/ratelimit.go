package workflow

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts hits per key in the current window. The first
// hit sets the window TTL; subsequent hits only increment.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// fixedWindowLimiter throttles event processing per key. It shares the
// runner's redis client.
type fixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func newFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// allow reports whether another hit for key fits the current window.
// Redis errors count as denial so an unreachable redis never opens the gate.
func (l *fixedWindowLimiter) allow(ctx context.Context, key string) bool {
	redisKey := l.prefix + ":" + key
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}
