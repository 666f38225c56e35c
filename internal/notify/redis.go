package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// RedisChannel PUBLISHes the JSON payload on a pub/sub channel
type RedisChannel struct {
	name    string
	channel string
	rdb     *redis.Client
}

// NewRedisChannel creates a pub/sub channel. The client dials lazily.
func NewRedisChannel(name string, cfg config.RedisConfig, log *logger.Logger) *RedisChannel {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info("Redis channel ready", "addr", cfg.Addr, "channel", cfg.Channel)
	return &RedisChannel{name: name, channel: cfg.Channel, rdb: rdb}
}

func (c *RedisChannel) Name() string { return c.name }

func (c *RedisChannel) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping checks the server for health checks
func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisChannel) Close() error {
	return c.rdb.Close()
}
