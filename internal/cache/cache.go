package cache

import (
	"context"
	"fmt"
	"time"
)

// Default TTLs for the two cached value kinds.
const (
	DefaultPredictionTTL = time.Hour
	DefaultProfileTTL    = 24 * time.Hour
)

// Store is the key/value contract the pipeline caches predictions and entity
// profiles behind. Values are opaque serialized bytes; expiry is absolute,
// computed from ttl at write time. Get on an expired or absent key returns
// found=false. Implementations are safe for concurrent use; last write wins
// on concurrent Put.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// PredictionKey returns the cache key for a transaction's prediction.
func PredictionKey(transactionID string) string {
	return fmt.Sprintf("pred:%s", transactionID)
}

// ProfileKey returns the cache key for an entity's profile snapshot.
func ProfileKey(entityID int64) string {
	return fmt.Sprintf("entity:%d", entityID)
}
