package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailblazeapp/ridecal/internal/metrics"
)

const geocodePrefix = "ridecal:geo:"

// GeocodeRecord caches a provider answer for one canonicalized query.
// Found=false entries cache not-found answers at a shorter TTL so the
// provider is not hammered for addresses it cannot resolve.
type GeocodeRecord struct {
	Query     string    `json:"query"`
	Found     bool      `json:"found"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Provider  string    `json:"provider"`
	FetchedAt time.Time `json:"fetched_at"`
}

// GeocodeCache shares the Redis store with the content cache under its
// own key prefix, with separate TTLs for positive and negative answers.
type GeocodeCache struct {
	store       *Store
	successTTL  time.Duration
	negativeTTL time.Duration
	sink        *metrics.Sink
}

func NewGeocodeCache(store *Store, successTTL, negativeTTL time.Duration, sink *metrics.Sink) *GeocodeCache {
	if negativeTTL <= 0 {
		negativeTTL = 24 * time.Hour
	}
	return &GeocodeCache{
		store:       store,
		successTTL:  successTTL,
		negativeTTL: negativeTTL,
		sink:        sink,
	}
}

// Get returns the cached answer for a canonicalized query, if any.
func (c *GeocodeCache) Get(ctx context.Context, query string) (*GeocodeRecord, bool, error) {
	k := key(geocodePrefix, query, nil)
	raw, err := c.store.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		c.sink.CacheResult("geocode", "miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("geocode cache get %q: %w", query, err)
	}

	var rec GeocodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = c.store.rdb.Del(ctx, k).Err()
		c.sink.CacheResult("geocode", "evicted")
		return nil, false, nil
	}
	c.sink.CacheResult("geocode", "hit")
	return &rec, true, nil
}

// Put caches an answer, picking the TTL by whether it was found.
func (c *GeocodeCache) Put(ctx context.Context, rec *GeocodeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("geocode cache encode %q: %w", rec.Query, err)
	}
	ttl := c.successTTL
	if !rec.Found {
		ttl = c.negativeTTL
	}
	k := key(geocodePrefix, rec.Query, nil)
	if err := c.store.rdb.Set(ctx, k, raw, ttl).Err(); err != nil {
		return fmt.Errorf("geocode cache put %q: %w", rec.Query, err)
	}
	return nil
}
