package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dedupFixture(t *testing.T) (*RedisDedupCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisDedupCache(client, time.Hour), mr
}

func TestRedisDedupCacheSeenAndMark(t *testing.T) {
	cache, _ := dedupFixture(t)
	ctx := context.Background()

	sagaID := models.GenerateUUID()
	eventID := models.GenerateUUID()

	seen, err := cache.Seen(ctx, sagaID, eventID)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, cache.Mark(ctx, sagaID, eventID))

	seen, err = cache.Seen(ctx, sagaID, eventID)
	require.NoError(t, err)
	assert.True(t, seen)

	// A different event id for the same saga is unaffected
	seen, err = cache.Seen(ctx, sagaID, models.GenerateUUID())
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDedupCacheEntriesExpire(t *testing.T) {
	cache, mr := dedupFixture(t)
	ctx := context.Background()

	sagaID := models.GenerateUUID()
	eventID := models.GenerateUUID()
	require.NoError(t, cache.Mark(ctx, sagaID, eventID))

	mr.FastForward(2 * time.Hour)

	seen, err := cache.Seen(ctx, sagaID, eventID)
	require.NoError(t, err)
	assert.False(t, seen)
}
