// Package ratelimit provides per-host request pacing for outbound HTTP.
package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trailblazeapp/ridecal/internal/metrics"
)

// Limiter paces outbound requests with one token bucket per host, so a
// burst against one provider never starves another. Wait blocks until a
// token is available or the context is done.
type Limiter struct {
	rps   rate.Limit
	burst int
	sink  *metrics.Sink

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter allowing rps sustained requests per second with
// the given burst, per host.
func New(rps float64, burst int, sink *metrics.Sink) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		sink:    sink,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[host] = b
	}
	return b
}

// Wait blocks until the host's bucket grants a token. It returns the
// context error if ctx expires first.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		l.sink.LimiterWait(waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// RandomDelay sleeps for base plus or minus 25% jitter, honoring ctx.
// Used between politeness-sensitive requests on top of the bucket.
func RandomDelay(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	delay := base - base/4 + jitter

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
