package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ItemMeta is a static catalog entry for a tradeable item.
// Limit is the 4-hour GE buy limit; 0 means no known limit.
type ItemMeta struct {
	Name  string
	Limit int64
}

// Quote is the most recent best-bid/best-ask for an item.
type Quote struct {
	Low      int64 `json:"low"`
	High     int64 `json:"high"`
	LowTime  int64 `json:"lowTime"`
	HighTime int64 `json:"highTime"`
}

// TimeseriesPoint is one 5-minute bucket from the timeseries feed.
type TimeseriesPoint struct {
	Timestamp    int64   `json:"timestamp"`
	AvgHighPrice float64 `json:"avgHighPrice"`
	AvgLowPrice  float64 `json:"avgLowPrice"`
}

// Client fetches item metadata, quotes, volumes and timeseries from the
// external price feed.
type Client struct {
	http       *http.Client
	base       string
	catalogURL string
	userAgent  string
}

// NewClient creates a feed client. catalogURL may be empty, in which case
// the wiki mapping endpoint is the only metadata source.
func NewClient(base, catalogURL, userAgent string) *Client {
	return &Client{
		http:       &http.Client{Timeout: 15 * time.Second},
		base:       base,
		catalogURL: catalogURL,
		userAgent:  userAgent,
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

type mappingEntry struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Limit int64  `json:"limit"`
}

// FetchMapping loads the item catalog. When a primary catalog URL is
// configured it is tried first; the wiki mapping endpoint is the fallback.
func (c *Client) FetchMapping(ctx context.Context) (map[int64]ItemMeta, error) {
	if c.catalogURL != "" {
		if m, err := c.fetchMappingFrom(ctx, c.catalogURL); err == nil {
			return m, nil
		}
	}
	return c.fetchMappingFrom(ctx, c.base+"/mapping")
}

func (c *Client) fetchMappingFrom(ctx context.Context, rawURL string) (map[int64]ItemMeta, error) {
	// The feed returns either a bare array or {"data": [...]}.
	var raw json.RawMessage
	if err := c.getJSON(ctx, rawURL, &raw); err != nil {
		return nil, err
	}

	var entries []mappingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var wrapped struct {
			Data []mappingEntry `json:"data"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse mapping: %w", err)
		}
		entries = wrapped.Data
	}

	m := make(map[int64]ItemMeta, len(entries))
	for _, e := range entries {
		if e.ID <= 0 {
			continue
		}
		name := e.Name
		if name == "" {
			name = strconv.FormatInt(e.ID, 10)
		}
		m[e.ID] = ItemMeta{Name: name, Limit: e.Limit}
	}
	return m, nil
}

// FetchLatest loads the latest bid/ask quote map.
func (c *Client) FetchLatest(ctx context.Context) (map[int64]Quote, error) {
	var payload struct {
		Data map[string]Quote `json:"data"`
	}
	if err := c.getJSON(ctx, c.base+"/latest", &payload); err != nil {
		return nil, err
	}
	out := make(map[int64]Quote, len(payload.Data))
	for k, q := range payload.Data {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		out[id] = q
	}
	return out, nil
}

// FetchVolumes loads the daily volume map.
func (c *Client) FetchVolumes(ctx context.Context) (map[int64]int64, error) {
	var payload struct {
		Data map[string]int64 `json:"data"`
	}
	if err := c.getJSON(ctx, c.base+"/volumes", &payload); err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(payload.Data))
	for k, v := range payload.Data {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// FetchTimeseries loads the 5-minute timeseries for one item.
func (c *Client) FetchTimeseries(ctx context.Context, itemID int64) ([]TimeseriesPoint, error) {
	q := url.Values{}
	q.Set("timestep", "5m")
	q.Set("id", strconv.FormatInt(itemID, 10))

	var payload struct {
		Data []TimeseriesPoint `json:"data"`
	}
	if err := c.getJSON(ctx, c.base+"/timeseries?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}
