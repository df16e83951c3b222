package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisDedupCache is a best-effort duplicate pre-gate in front of the
// authoritative ledger inside the saga store commit. Entries expire after the
// retention window; the ledger holds the durable truth.
type RedisDedupCache struct {
	client    *redis.Client
	retention time.Duration
}

var _ domain.DedupCache = (*RedisDedupCache)(nil)

// NewRedisDedupCache creates a cache with the given retention window
func NewRedisDedupCache(client *redis.Client, retention time.Duration) *RedisDedupCache {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisDedupCache{
		client:    client,
		retention: retention,
	}
}

// Seen reports whether the (saga, event) pair has been marked processed
func (c *RedisDedupCache) Seen(ctx context.Context, sagaID, eventID models.ID) (bool, error) {
	n, err := c.client.Exists(ctx, dedupKey(sagaID, eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check dedup cache")
	}
	return n > 0, nil
}

// Mark records a successfully committed (saga, event) pair
func (c *RedisDedupCache) Mark(ctx context.Context, sagaID, eventID models.ID) error {
	err := c.client.Set(ctx, dedupKey(sagaID, eventID), 1, c.retention).Err()
	return errors.Wrap(err, "failed to mark dedup cache")
}

func dedupKey(sagaID, eventID models.ID) string {
	return fmt.Sprintf("saga:dedup:%s:%s", sagaID.String(), eventID.String())
}
