package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailblazeapp/ridecal/internal/metrics"
)

const contentPrefix = "ridecal:html:"

// FetchRecord is the cached result of one successful fetch.
type FetchRecord struct {
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	ContentHash string    `json:"content_hash"`
	Payload     []byte    `json:"payload"`
}

// Validator decides whether a cached record is still usable. A record
// that fails validation is evicted and reported as a miss.
type Validator func(*FetchRecord) bool

// NonEmpty rejects records with an empty payload.
func NonEmpty(rec *FetchRecord) bool {
	return len(rec.Payload) > 0
}

// ContentCache stores fetched page payloads with a freshness TTL and a
// content validator. Refresh mode turns every read into a miss while
// still writing results through, so a forced re-scrape repopulates the
// cache instead of bypassing it.
type ContentCache struct {
	store     *Store
	ttl       time.Duration
	validator Validator
	refresh   bool
	sink      *metrics.Sink
	logger    *slog.Logger
}

// NewContentCache builds a ContentCache. A nil validator accepts every
// record that the TTL has not expired.
func NewContentCache(store *Store, ttl time.Duration, validator Validator, refresh bool, sink *metrics.Sink, logger *slog.Logger) *ContentCache {
	return &ContentCache{
		store:     store,
		ttl:       ttl,
		validator: validator,
		refresh:   refresh,
		sink:      sink,
		logger:    logger.With("component", "content_cache"),
	}
}

// Get looks up the cached record for a request. body is the request
// payload for POSTs, nil for GETs. The second return is false on a miss.
func (c *ContentCache) Get(ctx context.Context, rawURL string, body []byte) (*FetchRecord, bool, error) {
	if c.refresh {
		c.sink.CacheResult("html", "refresh_bypass")
		return nil, false, nil
	}

	k := key(contentPrefix, CanonicalURL(rawURL), body)
	raw, err := c.store.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		c.sink.CacheResult("html", "miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", rawURL, err)
	}

	var rec FetchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Corrupt entry; drop it and refetch.
		c.logger.Warn("evicting undecodable cache entry", "url", rawURL, "error", err)
		_ = c.store.rdb.Del(ctx, k).Err()
		c.sink.CacheResult("html", "evicted")
		return nil, false, nil
	}

	if c.validator != nil && !c.validator(&rec) {
		c.logger.Warn("evicting cache entry failing validation", "url", rawURL)
		if err := c.store.rdb.Del(ctx, k).Err(); err != nil {
			return nil, false, fmt.Errorf("cache evict %q: %w", rawURL, err)
		}
		c.sink.CacheResult("html", "validator_fail")
		return nil, false, nil
	}

	c.sink.CacheResult("html", "hit")
	return &rec, true, nil
}

// Put writes a fetch result through to the cache with the configured TTL.
func (c *ContentCache) Put(ctx context.Context, rawURL string, body []byte, rec *FetchRecord) error {
	rec.ContentHash = fmt.Sprintf("%016x", xxhash.Sum64(rec.Payload))
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", rawURL, err)
	}
	k := key(contentPrefix, CanonicalURL(rawURL), body)
	if err := c.store.rdb.Set(ctx, k, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %q: %w", rawURL, err)
	}
	return nil
}

// Invalidate drops the cached record for a request, if present.
func (c *ContentCache) Invalidate(ctx context.Context, rawURL string, body []byte) error {
	k := key(contentPrefix, CanonicalURL(rawURL), body)
	if err := c.store.rdb.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", rawURL, err)
	}
	return nil
}
