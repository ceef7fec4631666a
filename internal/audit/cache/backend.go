package cache

import (
	"context"
	"fmt"
	"time"
)

// Backend is the key/value store behind the Accelerator. Get returns
// sentinel.ErrNotFound on a miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// DeleteByPattern removes every key matching a glob pattern.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	// AddToSet adds members to the set at key and refreshes its TTL.
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error
	Members(ctx context.Context, key string) ([]string, error)
}

const keyPrefix = "audit:"

func eventKey(id string) string {
	return keyPrefix + "event:" + id
}

func timelineKey(entityType, entityID string) string {
	return keyPrefix + "timeline:" + entityType + ":" + entityID
}

func statsKey(since time.Time) string {
	return fmt.Sprintf("%sstats:%d", keyPrefix, since.Unix())
}

func actorIndexKey(actorID string) string {
	return keyPrefix + "actor:" + actorID
}
