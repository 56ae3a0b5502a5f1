package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// compare-and-delete, so an expired holder cannot free a newer claim
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var errInflightNotConfigured = errors.New("inflight guard not configured")

// InflightGuard lets one request at a time work on a key. Claims expire on
// their own so a crashed instance cannot wedge a matter id.
type InflightGuard struct {
	client  redis.Cmdable
	release *redis.Script
}

func NewInflightGuard(client redis.Cmdable) *InflightGuard {
	if client == nil {
		return nil
	}
	return &InflightGuard{client: client, release: redis.NewScript(releaseScript)}
}

// Claim returns a token when the key was free. The token must be passed to
// Release.
func (g *InflightGuard) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if g == nil || g.client == nil {
		return "", false, errInflightNotConfigured
	}
	if key == "" || ttl <= 0 {
		return "", false, errors.New("inflight claim needs a key and a positive ttl")
	}

	token := uuid.NewString()
	claimed, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !claimed {
		return "", false, err
	}
	return token, true, nil
}

func (g *InflightGuard) Release(ctx context.Context, key, token string) error {
	if g == nil || g.client == nil || key == "" || token == "" {
		return nil
	}
	return g.release.Run(ctx, g.client, []string{key}, token).Err()
}
