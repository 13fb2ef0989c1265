// Package cache provides the Redis-backed content and geocode caches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Store wraps the Redis client shared by the content and geocode caches.
type Store struct {
	rdb *redis.Client
}

type Option func(*redis.Options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

// NewStore connects to Redis and verifies the connection with a ping.
func NewStore(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// CanonicalURL normalizes a URL for cache-key purposes: lowercased scheme
// and host, no fragment, query parameters sorted. Unparseable input is
// returned trimmed as-is.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if q := u.Query(); len(q) > 0 {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

// key derives the Redis key for a request. The request body participates
// so that POSTs with different payloads against one URL do not collide.
func key(prefix, canonical string, body []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(canonical)
	if len(body) > 0 {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(body)
	}
	return fmt.Sprintf("%s%016x", prefix, h.Sum64())
}
