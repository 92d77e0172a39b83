package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection for the publisher.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
}

// RedisBus publishes events onto a Redis list so consumers can BRPOP them.
type RedisBus struct {
	client *redis.Client
	stream string
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "pluginhub:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBus{client: client, stream: stream}, nil
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.LPush(ctx, b.stream, payload).Err(); err != nil {
		return fmt.Errorf("publish event to redis: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
