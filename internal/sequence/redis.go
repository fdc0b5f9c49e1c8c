package sequence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "finance:seq:"

// RedisGenerator increments one counter key per prefix with INCR.
type RedisGenerator struct {
	client redis.Cmdable
	width  int
}

// NewRedisGenerator builds a generator over the redis client.
func NewRedisGenerator(client redis.Cmdable, width int) *RedisGenerator {
	return &RedisGenerator{client: client, width: width}
}

// Key returns the counter key for a normalized prefix.
func Key(prefix string) string {
	return redisKeyPrefix + prefix
}

// Next returns the next formatted number for prefix.
func (g *RedisGenerator) Next(ctx context.Context, prefix string) (string, error) {
	p, err := NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	value, err := g.client.Incr(ctx, Key(p)).Result()
	if err != nil {
		return "", storeFailure(p, err)
	}
	return Format(p, value, g.width), nil
}
