package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phietala/belt/pkg/api"
)

// RedisBackend stores results as JSON under:
//
//	<prefix>result:<request id>
//
// Keys expire after the configured duration so finished results do not
// accumulate forever.
type RedisBackend struct {
	client *redis.Client
	prefix string
	expiry time.Duration
}

// Ensure RedisBackend implements Backend.
var _ api.Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a Redis-backed result store. prefix is
// optional but recommended (e.g. "belt:"). expiry <= 0 keeps results
// until deleted; the client is owned by the caller.
func NewRedisBackend(client *redis.Client, prefix string, expiry time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "belt:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		expiry: expiry,
	}
}

func (b *RedisBackend) key(requestID string) string {
	return b.prefix + "result:" + requestID
}

func (b *RedisBackend) StoreResult(ctx context.Context, requestID string, res *api.ResultMeta) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	expiry := b.expiry
	if expiry < 0 {
		expiry = 0
	}
	return b.client.Set(ctx, b.key(requestID), data, expiry).Err()
}

func (b *RedisBackend) GetResult(ctx context.Context, requestID string) (*api.ResultMeta, error) {
	data, err := b.client.Get(ctx, b.key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrResultNotFound
		}
		return nil, err
	}
	var res api.ResultMeta
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (b *RedisBackend) Close() error { return nil }
