package engine

import (
	"context"
	"sync"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/store"
)

// DedupCache remembers event ids for a short window so device retries on
// flaky networks cannot be ingested twice.
type DedupCache interface {
	// Claim returns true the first time an event id is seen inside the ttl.
	Claim(ctx context.Context, eventID string) (bool, error)
}

// RedisDedup claims event ids in redis, shared across api instances.
type RedisDedup struct {
	r   *store.Redis
	ttl time.Duration
}

// NewRedisDedup creates a redis-backed dedup cache.
func NewRedisDedup(r *store.Redis, ttl time.Duration) *RedisDedup {
	return &RedisDedup{r: r, ttl: ttl}
}

// Claim implements DedupCache.
func (d *RedisDedup) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.r.ClaimOnce(ctx, "presence:event:"+eventID, d.ttl)
}

// MemoryDedup is the single-process fallback, mirroring the memory queue
// backend. Expired ids are swept lazily on claim.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryDedup creates an in-memory dedup cache.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{ttl: ttl, seen: make(map[string]time.Time)}
}

// Claim implements DedupCache.
func (d *MemoryDedup) Claim(_ context.Context, eventID string) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, id)
		}
	}
	if _, dup := d.seen[eventID]; dup {
		return false, nil
	}
	d.seen[eventID] = now
	return true, nil
}
