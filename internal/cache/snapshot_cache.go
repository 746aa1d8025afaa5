package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relaychat/internal/kv"
	"relaychat/internal/model"
)

// SnapshotCache keeps the per-user sync snapshot hot for a short TTL
// so repeated client loads skip the decrypt-everything path. Every
// write to a user's data must invalidate it.
type SnapshotCache struct {
	store kv.Store
	ttl   time.Duration
}

func NewSnapshotCache(store kv.Store, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SnapshotCache{store: store, ttl: ttl}
}

func (c *SnapshotCache) Get(ctx context.Context, userID uint) (*model.Snapshot, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.key(userID))
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot cache failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var snapshot model.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached snapshot failed: %w", err)
	}
	return &snapshot, true, nil
}

func (c *SnapshotCache) Set(ctx context.Context, userID uint, snapshot *model.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot failed: %w", err)
	}
	if err := c.store.Set(ctx, c.key(userID), payload, c.ttl); err != nil {
		return fmt.Errorf("set snapshot cache failed: %w", err)
	}
	return nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context, userID uint) error {
	if err := c.store.Delete(ctx, c.key(userID)); err != nil {
		return fmt.Errorf("invalidate snapshot cache failed: %w", err)
	}
	return nil
}

func (c *SnapshotCache) key(userID uint) string {
	return fmt.Sprintf("sync:snapshot:%d", userID)
}
