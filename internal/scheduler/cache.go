package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/model"
)

// SnapshotCache keeps the last good snapshot of every tracked target in
// memory, written through to the store so it survives restarts.
type SnapshotCache struct {
	mu    sync.RWMutex
	store database.Store
	snaps map[string]model.Snapshot
	log   logx.Logger
}

// NewSnapshotCache creates an empty cache over store.
func NewSnapshotCache(store database.Store, log logx.Logger) *SnapshotCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SnapshotCache{
		store: store,
		snaps: map[string]model.Snapshot{},
		log:   log.With(logx.String("comp", "cache")),
	}
}

// Load fills the memory layer from the store.
func (c *SnapshotCache) Load(ctx context.Context) (int, error) {
	snaps, err := c.store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		c.snaps[s.Target.Key()] = s
	}
	return len(snaps), nil
}

// Get returns the cached snapshot for key. A store failure is logged and
// reported as a miss.
func (c *SnapshotCache) Get(ctx context.Context, key string) (*model.Snapshot, bool) {
	c.mu.RLock()
	s, ok := c.snaps[key]
	c.mu.RUnlock()
	if ok {
		cp := s.Clone()
		return &cp, true
	}

	stored, err := c.store.GetSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.log.Warn("read cached snapshot", logx.String("target", key), logx.Err(err))
		}
		return nil, false
	}
	c.mu.Lock()
	c.snaps[key] = *stored
	c.mu.Unlock()
	return stored, true
}

// Put replaces the snapshot of s's target. The memory layer is updated even
// when the store write fails.
func (c *SnapshotCache) Put(ctx context.Context, s model.Snapshot) error {
	c.mu.Lock()
	c.snaps[s.Target.Key()] = s.Clone()
	c.mu.Unlock()
	return c.store.PutSnapshot(ctx, s)
}

// Retain evicts every snapshot whose key is not in keep and returns the
// evicted keys, sorted.
func (c *SnapshotCache) Retain(ctx context.Context, keep map[string]bool) ([]string, error) {
	stored, err := c.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	drop := map[string]bool{}
	for _, s := range stored {
		if k := s.Target.Key(); !keep[k] {
			drop[k] = true
		}
	}
	c.mu.Lock()
	for k := range c.snaps {
		if !keep[k] {
			drop[k] = true
		}
	}
	for k := range drop {
		delete(c.snaps, k)
	}
	c.mu.Unlock()

	keys := make([]string, 0, len(drop))
	for k := range drop {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := c.store.DeleteSnapshot(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return keys, errors.Join(errs...)
}

// Len returns the number of snapshots held in memory.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}

// All returns copies of the snapshots held in memory, ordered by target key.
func (c *SnapshotCache) All() []model.Snapshot {
	c.mu.RLock()
	out := make([]model.Snapshot, 0, len(c.snaps))
	for _, s := range c.snaps {
		out = append(out, s.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target.Key() < out[j].Target.Key() })
	return out
}
