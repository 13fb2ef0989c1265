// Package fetch implements the cache-aside, rate-limited HTTP fetcher
// feeding the scrape pipeline.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/ratelimit"
	"github.com/trailblazeapp/ridecal/internal/types"
)

const maxBodySize = 16 << 20 // 16 MiB

// Request describes one page fetch. Body non-nil makes it a POST with
// the given form payload.
type Request struct {
	URL     string
	Body    []byte
	Headers map[string]string
	Source  string
}

func (r *Request) method() string {
	if len(r.Body) > 0 {
		return http.MethodPost
	}
	return http.MethodGet
}

// Result is a fetched page, tagged with whether it came from the cache.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	FromCache  bool
	FetchedAt  time.Time
}

// HTTPFetcher fetches pages through the content cache and rate limiter,
// retrying transient failures with jittered exponential backoff.
type HTTPFetcher struct {
	client    *http.Client
	cache     *cache.ContentCache
	limiter   *ratelimit.Limiter
	sink      *metrics.Sink
	logger    *slog.Logger
	userAgent string

	maxRetries int
	baseDelay  time.Duration
}

// New builds an HTTPFetcher. cache may be nil to fetch uncached.
func New(cc *cache.ContentCache, limiter *ratelimit.Limiter, userAgent string, requestTimeout time.Duration, maxRetries int, baseDelay time.Duration, sink *metrics.Sink, logger *slog.Logger) *HTTPFetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompression handled below, including brotli
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		cache:      cc,
		limiter:    limiter,
		sink:       sink,
		logger:     logger.With("component", "http_fetcher"),
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Fetch returns the page for req, from cache when fresh, otherwise from
// the network with retries. Network successes are written through.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if f.cache != nil {
		rec, ok, err := f.cache.Get(ctx, req.URL, req.Body)
		if err != nil {
			// A broken cache degrades to a network fetch.
			f.logger.Warn("cache read failed, fetching from network", "url", req.URL, "error", err)
		} else if ok {
			f.sink.ObserveFetch(req.Source, "cache_hit", 0)
			return &Result{
				URL:        req.URL,
				StatusCode: rec.StatusCode,
				Body:       rec.Payload,
				FromCache:  true,
				FetchedAt:  rec.FetchedAt,
			}, nil
		}
	}

	res, err := f.fetchWithRetries(ctx, req)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		rec := &cache.FetchRecord{
			URL:        req.URL,
			FetchedAt:  res.FetchedAt,
			StatusCode: res.StatusCode,
			Payload:    res.Body,
		}
		if err := f.cache.Put(ctx, req.URL, req.Body, rec); err != nil {
			f.logger.Warn("cache write failed", "url", req.URL, "error", err)
		}
	}
	return res, nil
}

func (f *HTTPFetcher) fetchWithRetries(ctx context.Context, req *Request) (*Result, error) {
	var lastErr *types.FetchError

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt, lastErr)
			f.logger.Debug("retrying fetch",
				"url", req.URL,
				"attempt", attempt,
				"delay", delay,
			)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, &types.FetchError{URL: req.URL, Kind: types.FetchTimeout, Err: ctx.Err()}
			case <-t.C:
			}
		}

		if err := f.limiter.Wait(ctx, req.URL); err != nil {
			return nil, &types.FetchError{URL: req.URL, Kind: types.FetchTimeout, Err: err}
		}

		res, err := f.doOnce(ctx, req)
		if err == nil {
			f.sink.ObserveFetch(req.Source, "ok", time.Since(res.FetchedAt))
			return res, nil
		}

		var fe *types.FetchError
		if !errors.As(err, &fe) {
			fe = &types.FetchError{URL: req.URL, Kind: types.FetchNetwork, Err: err}
		}
		if !fe.Retryable {
			f.sink.ObserveFetch(req.Source, "error", 0)
			return nil, fe
		}
		lastErr = fe
	}

	f.sink.ObserveFetch(req.Source, "exhausted", 0)
	return nil, &types.FetchError{
		URL:  req.URL,
		Kind: types.FetchExceededRetries,
		Err:  fmt.Errorf("%d attempts: %w", f.maxRetries+1, lastErr),
	}
}

// backoff is base*2^(attempt-1) with ±25% jitter, overridden by a
// server-provided Retry-After.
func (f *HTTPFetcher) backoff(attempt int, lastErr *types.FetchError) time.Duration {
	if lastErr != nil && lastErr.RetryAfter > 0 {
		return lastErr.RetryAfter
	}
	base := f.baseDelay << (attempt - 1)
	jitter := float64(base) * 0.25
	return base + time.Duration(rand.Float64()*2*jitter-jitter)
}

func (f *HTTPFetcher) doOnce(ctx context.Context, req *Request) (*Result, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Kind: types.FetchNetwork, Err: err}
	}

	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		kind := types.FetchNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.FetchTimeout
		}
		return nil, &types.FetchError{
			URL:       req.URL,
			Kind:      kind,
			Err:       err,
			Retryable: isRetryableError(err),
		}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &types.FetchError{
			URL:        req.URL,
			Kind:       types.FetchHTTPStatus,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("rate limited (retry after %s): %s", retryAfter, strings.TrimSpace(string(snippet))),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	if httpResp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, &types.FetchError{
			URL:        req.URL,
			Kind:       types.FetchHTTPStatus,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(snippet)),
			Retryable:  true,
		}
	}

	if httpResp.StatusCode >= 400 {
		return nil, &types.FetchError{
			URL:        req.URL,
			Kind:       types.FetchHTTPStatus,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", httpResp.StatusCode),
			Retryable:  false,
		}
	}

	reader, err := decompressReader(httpResp, io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Kind: types.FetchNetwork, Err: err, Retryable: false}
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Kind: types.FetchNetwork, Err: err, Retryable: true}
	}
	if len(payload) == 0 {
		return nil, &types.FetchError{URL: req.URL, Kind: types.FetchNetwork, Err: types.ErrEmptyResponse, Retryable: true}
	}

	f.logger.Debug("fetch complete",
		"url", req.URL,
		"status", httpResp.StatusCode,
		"size", len(payload),
		"duration", time.Since(start),
	)

	return &Result{
		URL:        req.URL,
		StatusCode: httpResp.StatusCode,
		Body:       payload,
		FetchedAt:  start,
	}, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// decompressReader wraps a reader with the decompressor named by the
// Content-Encoding header. Handles gzip, deflate, and brotli.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isRetryableError checks if a network error warrants a retry.
// Covers timeouts, connection resets, unexpected EOF, and connection refused.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses the Retry-After header value.
// Supports both integer seconds and HTTP-date formats, capped at 2 minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}
