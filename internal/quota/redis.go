package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisKey = "relay:quota:state"

// RedisBackend stores the whole mapping as one JSON document under a single
// key, in the same format as the state file. SET replaces it atomically.
type RedisBackend struct {
	client goredis.Cmdable
	key    string
	now    func() time.Time
}

var (
	_ Backend       = (*RedisBackend)(nil)
	_ HealthChecker = (*RedisBackend)(nil)
)

// RedisOption configures RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisKey sets the key holding the state document (default "relay:quota:state").
func WithRedisKey(key string) RedisOption {
	return func(b *RedisBackend) { b.key = key }
}

// NewRedisBackend creates a Redis-backed store backend.
func NewRedisBackend(client goredis.Cmdable, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client: client,
		key:    defaultRedisKey,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) Load(ctx context.Context) (map[string]Record, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("quota/redis: get %s: %w", b.key, err)
	}
	return DecodeState(data, b.now())
}

// Save rewrites the whole document; changed is ignored.
func (b *RedisBackend) Save(ctx context.Context, records map[string]Record, _ ...string) error {
	data, err := EncodeState(records)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("quota/redis: set %s: %w", b.key, err)
	}
	return nil
}

func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
