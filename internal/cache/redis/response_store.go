package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/promptgate/internal/cache"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const dataField = "data"

// ResponseStore keeps standardized responses in Redis hashes that expire with their TTL.
type ResponseStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewClient creates a Redis client from cache settings and verifies connectivity.
func NewClient(ctx context.Context, cfg *cache.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	return client, nil
}

// NewResponseStore creates a Redis-backed response cache.
func NewResponseStore(client *redis.Client, keyPrefix string) *ResponseStore {
	return &ResponseStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Get returns the cached response or domain.ErrCacheMiss.
func (s *ResponseStore) Get(ctx context.Context, key string) (*domain.StandardizedResponse, error) {
	data, err := s.client.HGet(ctx, s.keyPrefix+key, dataField).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached response: %w", err)
	}

	return cache.Decode(data)
}

// Put stores resp under key until ttl elapses.
func (s *ResponseStore) Put(
	ctx context.Context,
	key string,
	resp *domain.StandardizedResponse,
	ttl time.Duration,
) error {
	if ttl <= 0 {
		return nil
	}

	data, err := cache.Encode(resp)
	if err != nil {
		return err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("storing cached response",
		observability.String("key", key),
		observability.Int("data_size", len(data)),
		observability.Duration("ttl", ttl))

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyPrefix+key,
		dataField, data,
		"stored_at", time.Now().Unix(),
		"provider", resp.Metadata.Provider,
	)
	pipe.Expire(ctx, s.keyPrefix+key, ttl)

	if _, execErr := pipe.Exec(ctx); execErr != nil {
		return fmt.Errorf("failed to store cached response: %w", execErr)
	}

	return nil
}
