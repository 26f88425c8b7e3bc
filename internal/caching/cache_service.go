package caching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "givecycle:"

// CacheService holds short-lived subscription snapshots for the admin read
// path. The settlement processor never reads from it.
type CacheService interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	SetSubscription(ctx context.Context, subscription *models.Subscription, ttl time.Duration) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
}

type redisCacheService struct {
	client *redis.Client
}

// NewRedisClient accepts either host:port or a redis:// URL.
func NewRedisClient(addr, password string, db int, logger *zap.Logger) *redis.Client {
	parsedAddr := addr
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsedAddr = strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     parsedAddr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis ping failed on initialization", zap.String("address", parsedAddr), zap.Error(err))
	} else {
		logger.Debug("redis connection established", zap.String("address", parsedAddr))
	}
	return client
}

func NewRedisCacheService(client *redis.Client) CacheService {
	return &redisCacheService{client: client}
}

func subscriptionKey(id uuid.UUID) string {
	return fmt.Sprintf("%ssubscription:%s", keyPrefix, id.String())
}

// GetSubscription returns nil, nil on a cache miss.
func (r *redisCacheService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	data, err := r.client.Get(ctx, subscriptionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var subscription models.Subscription
	if err := json.Unmarshal(data, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *redisCacheService) SetSubscription(ctx context.Context, subscription *models.Subscription, ttl time.Duration) error {
	data, err := json.Marshal(subscription)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, subscriptionKey(subscription.ID), data, ttl).Err()
}

func (r *redisCacheService) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	return r.client.Del(ctx, subscriptionKey(id)).Err()
}

func (r *redisCacheService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type noopCacheService struct{}

// NewNoopCacheService disables snapshot caching.
func NewNoopCacheService() CacheService {
	return noopCacheService{}
}

func (noopCacheService) GetSubscription(context.Context, uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (noopCacheService) SetSubscription(context.Context, *models.Subscription, time.Duration) error {
	return nil
}

func (noopCacheService) DeleteSubscription(context.Context, uuid.UUID) error { return nil }

func (noopCacheService) Ping(context.Context) error { return nil }
