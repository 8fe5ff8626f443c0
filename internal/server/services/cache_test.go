package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisEntitlementCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisEntitlementCache(client, 0), mr
}

func TestRedisEntitlementCache_RoundTripAndTTL(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	in := &models.Entitlement{IdentityID: "u1", Plan: models.PlanPaperPixels, EmailCredits: 7, UpdatedAt: testNow}
	require.NoError(t, cache.Set(ctx, in))
	assert.True(t, mr.Exists("entitlements:u1"))
	assert.Equal(t, EntitlementCacheTTL, mr.TTL("entitlements:u1"))

	got, ok, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got.EmailCredits)
	assert.Equal(t, models.PlanPaperPixels, got.Plan)

	mr.FastForward(EntitlementCacheTTL + time.Second)
	_, ok, err = cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisEntitlementCache_CorruptValue(t *testing.T) {
	cache, mr := newRedisCache(t)
	require.NoError(t, mr.Set("entitlements:u1", "not json"))

	_, _, err := cache.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestSnapshot_ReadThroughAndInvalidate(t *testing.T) {
	cache, _ := newRedisCache(t)
	f := newFixture(t, cache)
	ctx := context.Background()
	f.grant("u1", models.PlanDigitalCapsule, 6, 0)

	e, err := f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, e.EmailCredits)

	// served from cache until invalidated
	f.grant("u1", models.PlanDigitalCapsule, 2, 0)
	e, err = f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, e.EmailCredits)

	f.ledger.Invalidate(ctx, "u1")
	e, err = f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, e.EmailCredits)
}

func TestSnapshot_CacheDownFallsBackToStore(t *testing.T) {
	cache, mr := newRedisCache(t)
	f := newFixture(t, cache)
	f.grant("u1", models.PlanDigitalCapsule, 6, 0)
	mr.Close()

	e, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 6, e.EmailCredits)
}

func TestSchedule_InvalidatesSnapshot(t *testing.T) {
	cache, mr := newRedisCache(t)
	f := newFixture(t, cache)
	ctx := context.Background()
	f.grant("u1", models.PlanDigitalCapsule, 6, 0)

	_, err := f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.True(t, mr.Exists("entitlements:u1"))

	l := f.letter(t, "u1")
	_, err = f.deliveries.Schedule(ctx, "u1", emailRequest(l.ID))
	require.NoError(t, err)
	assert.False(t, mr.Exists("entitlements:u1"))

	e, err := f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, e.EmailCredits)
}
