package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// EntitlementCacheTTL bounds how stale a cached snapshot may be when an
// invalidation is lost.
const EntitlementCacheTTL = 5 * time.Minute

// EntitlementCache holds read-only entitlement snapshots. It is never
// consulted for reservations.
type EntitlementCache interface {
	Get(ctx context.Context, identityID string) (*models.Entitlement, bool, error)
	Set(ctx context.Context, e *models.Entitlement) error
	Delete(ctx context.Context, identityID string) error
}

type RedisEntitlementCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisEntitlementCache(client redis.UniversalClient, ttl time.Duration) *RedisEntitlementCache {
	if ttl <= 0 {
		ttl = EntitlementCacheTTL
	}
	return &RedisEntitlementCache{client: client, ttl: ttl}
}

func entitlementKey(identityID string) string {
	return "entitlements:" + identityID
}

func (c *RedisEntitlementCache) Get(ctx context.Context, identityID string) (*models.Entitlement, bool, error) {
	raw, err := c.client.Get(ctx, entitlementKey(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e := &models.Entitlement{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (c *RedisEntitlementCache) Set(ctx context.Context, e *models.Entitlement) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entitlementKey(e.IdentityID), raw, c.ttl).Err()
}

func (c *RedisEntitlementCache) Delete(ctx context.Context, identityID string) error {
	return c.client.Del(ctx, entitlementKey(identityID)).Err()
}

// NopEntitlementCache always misses.
type NopEntitlementCache struct{}

func (NopEntitlementCache) Get(context.Context, string) (*models.Entitlement, bool, error) {
	return nil, false, nil
}
func (NopEntitlementCache) Set(context.Context, *models.Entitlement) error { return nil }
func (NopEntitlementCache) Delete(context.Context, string) error           { return nil }
