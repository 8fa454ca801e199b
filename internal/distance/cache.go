package distance

import (
	"context"
	"fmt"
	"log"
	"sync"

	"coldchain/internal/metrics"
	"coldchain/internal/model"
)

// Store is a second-level cache shared between instances.
type Store interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, r Result) error
}

// Key identifies an (origin, destination) pair. Coordinates are rounded to
// roughly one metre so float noise still hits the cache.
func Key(from, to model.GeoPoint) string {
	return fmt.Sprintf("%.5f,%.5f|%.5f,%.5f", from.Lat, from.Lng, to.Lat, to.Lng)
}

// Cached memoizes Next by (origin, destination). Remote is optional.
type Cached struct {
	Next       Provider
	Remote     Store
	MaxEntries int

	mu    sync.RWMutex
	local map[string]Result
}

func NewCached(next Provider, remote Store, maxEntries int) *Cached {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &Cached{Next: next, Remote: remote, MaxEntries: maxEntries, local: map[string]Result{}}
}

func (c *Cached) Distance(ctx context.Context, from, to model.GeoPoint) (Result, error) {
	if from == to {
		return Result{}, nil
	}
	key := Key(from, to)
	c.mu.RLock()
	r, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		metrics.DistanceCache.WithLabelValues("local_hit").Inc()
		return r, nil
	}
	if c.Remote != nil {
		r, ok, err := c.Remote.Get(ctx, key)
		if err != nil {
			log.Printf("op=distance.cache_get key=%s err=%v", key, err)
		} else if ok {
			metrics.DistanceCache.WithLabelValues("remote_hit").Inc()
			c.put(key, r)
			return r, nil
		}
	}
	metrics.DistanceCache.WithLabelValues("miss").Inc()
	r, err := c.Next.Distance(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	c.put(key, r)
	if c.Remote != nil {
		if err := c.Remote.Set(ctx, key, r); err != nil {
			log.Printf("op=distance.cache_set key=%s err=%v", key, err)
		}
	}
	return r, nil
}

func (c *Cached) put(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= c.MaxEntries {
		// crude eviction: drop everything, the working set refills quickly
		c.local = make(map[string]Result, len(c.local)/2)
	}
	c.local[key] = r
}

// Len is the number of locally cached pairs.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}
