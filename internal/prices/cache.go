package prices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"flip-copilot/internal/logger"
)

// Cache is the process-wide snapshot of the three feed tables. Readers get
// consistent copies; the background refresher replaces the interior maps
// all at once under the lock.
type Cache struct {
	client *Client

	mu          sync.RWMutex
	mapping     map[int64]ItemMeta
	latest      map[int64]Quote
	volumes     map[int64]int64
	lastRefresh int64
}

// NewCache creates an empty price cache backed by the given feed client.
func NewCache(client *Client) *Cache {
	return &Cache{
		client:  client,
		mapping: map[int64]ItemMeta{},
		latest:  map[int64]Quote{},
		volumes: map[int64]int64{},
	}
}

// Snapshot returns consistent copies of the mapping, latest and volume
// tables plus the unix time of the last successful refresh. Callers hold
// no lock afterwards.
func (c *Cache) Snapshot() (map[int64]ItemMeta, map[int64]Quote, map[int64]int64, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mapping := make(map[int64]ItemMeta, len(c.mapping))
	for k, v := range c.mapping {
		mapping[k] = v
	}
	latest := make(map[int64]Quote, len(c.latest))
	for k, v := range c.latest {
		latest[k] = v
	}
	volumes := make(map[int64]int64, len(c.volumes))
	for k, v := range c.volumes {
		volumes[k] = v
	}
	return mapping, latest, volumes, c.lastRefresh
}

// LastRefresh returns the unix time of the last successful refresh.
func (c *Cache) LastRefresh() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// StartRefresh runs refresh cycles every period until ctx is cancelled.
func (c *Cache) StartRefresh(ctx context.Context, period time.Duration) {
	go func() {
		c.refreshOnce(ctx)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshOnce(ctx)
			}
		}
	}()
}

// refreshOnce fetches mapping (only while empty), latest and volumes, and
// publishes everything under one critical section. Any fetch failure keeps
// the previous snapshot.
func (c *Cache) refreshOnce(ctx context.Context) {
	c.mu.RLock()
	haveMapping := len(c.mapping) > 0
	c.mu.RUnlock()

	var mapping map[int64]ItemMeta
	if !haveMapping {
		m, err := c.client.FetchMapping(ctx)
		if err != nil {
			logger.Warn("PRICES", fmt.Sprintf("mapping fetch failed: %v", err))
			return
		}
		mapping = m
		logger.Info("PRICES", fmt.Sprintf("mapping loaded: %d items", len(m)))
	}

	var (
		latest  map[int64]Quote
		volumes map[int64]int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l, err := c.client.FetchLatest(gctx)
		if err != nil {
			return fmt.Errorf("latest: %w", err)
		}
		latest = l
		return nil
	})
	g.Go(func() error {
		v, err := c.client.FetchVolumes(gctx)
		if err != nil {
			return fmt.Errorf("volumes: %w", err)
		}
		volumes = v
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warn("PRICES", fmt.Sprintf("refresh failed: %v", err))
		return
	}

	c.mu.Lock()
	if mapping != nil {
		c.mapping = mapping
	}
	c.latest = latest
	c.volumes = volumes
	c.lastRefresh = time.Now().Unix()
	c.mu.Unlock()

	logger.Info("PRICES", fmt.Sprintf("refreshed: %d quotes, %d volumes", len(latest), len(volumes)))
}

// SetSnapshot replaces the cache contents directly. Tests use it to avoid
// network fetches.
func (c *Cache) SetSnapshot(mapping map[int64]ItemMeta, latest map[int64]Quote, volumes map[int64]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mapping != nil {
		c.mapping = mapping
	}
	if latest != nil {
		c.latest = latest
	}
	if volumes != nil {
		c.volumes = volumes
	}
	c.lastRefresh = time.Now().Unix()
}
