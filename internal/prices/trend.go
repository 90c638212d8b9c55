package prices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// trendKey identifies a cached trend estimate.
type trendKey struct {
	itemID  int64
	horizon int // minutes
}

type trendEntry struct {
	value float64
	ts    int64
}

// TrendCache is a TTL-bounded cache of short-term price trends computed from
// the 5-minute timeseries feed. A singleflight.Group prevents duplicate
// in-flight fetches for the same item+horizon.
type TrendCache struct {
	client *Client
	ttl    time.Duration

	mu      sync.Mutex
	entries map[trendKey]trendEntry
	group   singleflight.Group
}

// NewTrendCache creates an empty trend cache with the given TTL.
func NewTrendCache(client *Client, ttl time.Duration) *TrendCache {
	return &TrendCache{
		client:  client,
		ttl:     ttl,
		entries: make(map[trendKey]trendEntry),
	}
}

// Trend returns the fractional price trend for the item over the horizon,
// clamped to [-0.25, 0.25]. Fetch or parse errors collapse to 0.0 and are
// not cached.
func (tc *TrendCache) Trend(ctx context.Context, itemID int64, horizonMinutes int) float64 {
	if itemID <= 0 || horizonMinutes <= 0 {
		return 0.0
	}

	key := trendKey{itemID, horizonMinutes}
	now := time.Now().Unix()

	tc.mu.Lock()
	if e, ok := tc.entries[key]; ok && now-e.ts < int64(tc.ttl.Seconds()) {
		tc.mu.Unlock()
		return e.value
	}
	tc.mu.Unlock()

	v, err, _ := tc.group.Do(fmt.Sprintf("%d/%d", itemID, horizonMinutes), func() (any, error) {
		points, err := tc.client.FetchTimeseries(ctx, itemID)
		if err != nil {
			return 0.0, err
		}
		trend := computeTrend(points, horizonMinutes)

		tc.mu.Lock()
		tc.entries[key] = trendEntry{value: trend, ts: time.Now().Unix()}
		tc.mu.Unlock()
		return trend, nil
	})
	if err != nil {
		return 0.0
	}
	return v.(float64)
}

// computeTrend takes the last max(2, horizon/5+1) points, compares their
// midpoints, and clamps the fractional change to +/-0.25.
func computeTrend(points []TimeseriesPoint, horizonMinutes int) float64 {
	if len(points) < 2 {
		return 0.0
	}

	needed := horizonMinutes/5 + 1
	if needed < 2 {
		needed = 2
	}
	window := points
	if len(points) > needed {
		window = points[len(points)-needed:]
	}

	m0 := midpoint(window[0])
	m1 := midpoint(window[len(window)-1])
	if m0 <= 0 || m1 <= 0 {
		return 0.0
	}

	trend := (m1 - m0) / m0
	if trend > 0.25 {
		trend = 0.25
	} else if trend < -0.25 {
		trend = -0.25
	}
	return trend
}

// midpoint averages the high/low sides of a bucket, falling back to the
// one side that is present.
func midpoint(p TimeseriesPoint) float64 {
	ah, al := p.AvgHighPrice, p.AvgLowPrice
	switch {
	case ah <= 0 && al <= 0:
		return 0.0
	case ah <= 0:
		return al
	case al <= 0:
		return ah
	}
	return (ah + al) / 2.0
}
