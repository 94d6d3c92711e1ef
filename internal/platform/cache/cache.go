// Package cache connects to the Redis server that holds shared quota state.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client.
type Cache struct {
	Client *redis.Client
}

// Option adjusts the client options before connecting.
type Option func(*redis.Options)

// WithTimeouts overrides the dial, read and write timeouts.
func WithTimeouts(dial, rw time.Duration) Option {
	return func(o *redis.Options) {
		o.DialTimeout = dial
		o.ReadTimeout = rw
		o.WriteTimeout = rw
	}
}

// ParseURL validates a Redis connection URL.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return opts, nil
}

// New connects to url and pings the server.
func New(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	ro, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = 3 * time.Second
	ro.WriteTimeout = 3 * time.Second
	for _, opt := range opts {
		opt(ro)
	}

	client := redis.NewClient(ro)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	return &Cache{Client: client}, nil
}

// Close shuts down the client.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck verifies the connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging cache: %w", err)
	}
	return nil
}
