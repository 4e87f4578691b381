package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// LifecycleStream is the Redis stream that receives delivery lifecycle events.
const LifecycleStream = "webhook:lifecycle"

// lifecycleMaxLen caps the stream length (approximate trimming).
const lifecycleMaxLen = 10000

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// AppendLifecycle adds one entry to the lifecycle stream.
func (s *RedisStore) AppendLifecycle(ctx context.Context, fields map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: LifecycleStream,
		MaxLen: lifecycleMaxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		return fmt.Errorf("appending lifecycle event: %w", err)
	}
	return nil
}
