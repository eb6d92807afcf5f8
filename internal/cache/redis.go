package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client   *redis.Client
	guestTTL time.Duration
	userTTL  time.Duration
}

func NewRedisCache(client *redis.Client, guestTTL, userTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:   client,
		guestTTL: guestTTL,
		userTTL:  userTTL,
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*domain.Cart, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}

	return &cart, nil
}

func (r *RedisCache) Set(ctx context.Context, cart *domain.Cart) error {
	ttl := r.entryTTL(cart)
	if ttl <= 0 {
		// The cart is at or past its deadline; a projection would outlive the
		// record's authority.
		return nil
	}

	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	pipe := r.client.Pipeline()
	for _, key := range cartKeys(cart) {
		pipe.Set(ctx, key, data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, cart *domain.Cart) error {
	if err := r.client.Del(ctx, cartKeys(cart)...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// entryTTL derives the projection lifetime from the cart type and caps it at
// the cart's own deadline. Jitter spreads mass expiry of entries written in
// the same burst.
func (r *RedisCache) entryTTL(cart *domain.Cart) time.Duration {
	base := r.guestTTL
	if cart.CartType == domain.CartTypeUser {
		base = r.userTTL
	}

	ttl := base + time.Duration(rand.Intn(60))*time.Second

	if !cart.ExpiresAt.IsZero() {
		remaining := time.Until(cart.ExpiresAt)
		if ttl > remaining {
			ttl = remaining
		}
	}

	return ttl
}

func cartKeys(cart *domain.Cart) []string {
	keys := []string{IDKey(cart.ID)}
	if cart.UserID != "" {
		keys = append(keys, UserKey(cart.UserID))
	}
	if cart.SessionID != "" {
		keys = append(keys, SessionKey(cart.SessionID))
	}
	return keys
}
