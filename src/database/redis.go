package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/sirupsen/logrus"
)

// RedisClient wraps the redis client with logging
type RedisClient struct {
	*redis.Client
	logger *logrus.Logger
}

// NewRedisConnection connects to Redis and fails fast if it is unreachable
func NewRedisConnection(cfg *config.Config, logger *logrus.Logger) (*RedisClient, error) {
	logger.WithField("addr", cfg.RedisAddr).Info("Connecting to Redis...")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("CRITICAL: failed to ping redis (fail-fast): %w", err)
	}

	logger.Info("Redis connection established")
	return &RedisClient{Client: client, logger: logger}, nil
}

// NewRedisClient wraps an existing client
func NewRedisClient(client *redis.Client, logger *logrus.Logger) *RedisClient {
	return &RedisClient{Client: client, logger: logger}
}

// HealthCheck verifies the Redis connection is still alive
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Ping(ctx).Err(); err != nil {
		r.logger.WithError(err).Error("Redis health check failed")
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
