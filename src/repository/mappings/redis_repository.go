package mappings_repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/sirupsen/logrus"
)

const (
	redisKeyPrefix = "shardvault:mapping:"
	redisIndexKey  = "shardvault:mappings"
	redisTimeout   = 2 * time.Second
)

// RedisRepository stores mapping records as JSON values.
type RedisRepository struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewRedisRepository(client redis.UniversalClient, logger *logrus.Logger) *RedisRepository {
	return &RedisRepository{
		client: client,
		logger: logger,
	}
}

// Put stores the record only if no record exists for its name
func (r *RedisRepository) Put(ctx context.Context, record *models.MappingRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	redisCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	// Value and index go out in one MULTI; re-adding an existing name to the
	// index is a no-op
	key := redisKeyPrefix + record.ObfuscatedName
	var setNX *redis.BoolCmd
	_, err = r.client.TxPipelined(redisCtx, func(pipe redis.Pipeliner) error {
		setNX = pipe.SetNX(redisCtx, key, payload, 0)
		pipe.SAdd(redisCtx, redisIndexKey, record.ObfuscatedName)
		return nil
	})
	if err != nil {
		if setNX != nil && setNX.Val() {
			// MULTI does not roll back; an unindexed record would look orphaned
			if derr := r.client.Del(redisCtx, key).Err(); derr != nil {
				r.logger.WithError(derr).WithField("obfuscated_name", record.ObfuscatedName).Error("Failed to remove unindexed mapping")
			}
		}
		r.logger.WithError(err).WithField("obfuscated_name", record.ObfuscatedName).Error("Failed to save mapping")
		return fmt.Errorf("save mapping: %w", err)
	}
	if !setNX.Val() {
		return ErrMappingExists
	}
	return nil
}

// Get retrieves a record by obfuscated name
func (r *RedisRepository) Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error) {
	redisCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	payload, err := r.client.Get(redisCtx, redisKeyPrefix+obfuscatedName).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}

	var record models.MappingRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return &record, nil
}

// Delete removes a record
func (r *RedisRepository) Delete(ctx context.Context, obfuscatedName string) error {
	redisCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(redisCtx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(redisCtx, redisKeyPrefix+obfuscatedName)
		pipe.SRem(redisCtx, redisIndexKey, obfuscatedName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if del.Val() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// List returns all stored obfuscated names
func (r *RedisRepository) List(ctx context.Context) ([]string, error) {
	redisCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	names, err := r.client.SMembers(redisCtx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return names, nil
}
