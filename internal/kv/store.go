// Package kv is the shared expiring key-value contract behind the rate
// limiter and the snapshot cache. Counters must be atomic: concurrent
// increments may never lose updates.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value with the given ttl. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// IncrBy atomically adds delta to the integer stored at key, creating
	// it at zero first. The ttl applies only when the key is created; an
	// existing expiry is left untouched.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// TTL reports the remaining lifetime of key. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	Delete(ctx context.Context, key string) error
}
