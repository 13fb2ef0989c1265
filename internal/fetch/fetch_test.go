package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/ratelimit"
	"github.com/trailblazeapp/ridecal/internal/types"
)

func newFetcher(t *testing.T, cc *cache.ContentCache) *HTTPFetcher {
	t.Helper()
	return New(cc, ratelimit.New(100, 100, nil), "ridecal-test", 5*time.Second, 2, 5*time.Millisecond, nil, slog.Default())
}

func newCache(t *testing.T, refresh bool) *cache.ContentCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := cache.NewStore(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return cache.NewContentCache(st, time.Hour, cache.NonEmpty, refresh, nil, slog.Default())
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>calendar</html>"))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	res, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.FromCache {
		t.Error("uncached fetcher should not report cache hit")
	}
	if string(res.Body) != "<html>calendar</html>" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchPostSendsForm(t *testing.T) {
	var gotBody, gotMethod, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		gotMethod = r.Method
		gotCT = r.Header.Get("Content-Type")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	_, err := f.Fetch(context.Background(), &Request{
		URL:    srv.URL,
		Body:   []byte("action=aerc_calendar_form&season%5B%5D=24"),
		Source: "AERC",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotCT != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %s", gotCT)
	}
	if gotBody != "action=aerc_calendar_form&season%5B%5D=24" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	res, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"})
	if err != nil {
		t.Fatalf("Fetch after retries: %v", err)
	}
	if string(res.Body) != "recovered" {
		t.Errorf("body = %q", res.Body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	_, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"})
	var fe *types.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != types.FetchExceededRetries {
		t.Errorf("kind = %s, want exceeded_retries", fe.Kind)
	}
}

func TestFetchClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	_, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"})
	var fe *types.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", fe.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 should not be retried, got %d attempts", got)
	}
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var secondAttempt time.Time
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		secondAttempt = time.Now()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	if _, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if wait := secondAttempt.Sub(start); wait < time.Second {
		t.Errorf("second attempt after %v, want >= Retry-After of 1s", wait)
	}
}

func TestFetchDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !bytes.Contains([]byte(r.Header.Get("Accept-Encoding")), []byte("gzip")) {
			t.Error("missing gzip in Accept-Encoding")
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("<html>zipped</html>"))
		gz.Close()
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	res, err := f.Fetch(context.Background(), &Request{URL: srv.URL, Source: "AERC"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "<html>zipped</html>" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	f := newFetcher(t, newCache(t, false))
	ctx := context.Background()

	first, err := f.Fetch(ctx, &Request{URL: srv.URL, Source: "AERC"})
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Error("first fetch should go to the network")
	}

	second, err := f.Fetch(ctx, &Request{URL: srv.URL, Source: "AERC"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Error("second fetch should hit the cache")
	}
	if string(second.Body) != "fresh" {
		t.Errorf("cached body = %q", second.Body)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestFetchRefreshBypassesCacheRead(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("always network"))
	}))
	defer srv.Close()

	f := newFetcher(t, newCache(t, true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.Fetch(ctx, &Request{URL: srv.URL, Source: "AERC"})
		if err != nil {
			t.Fatal(err)
		}
		if res.FromCache {
			t.Error("refresh mode must not serve from cache")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"7", 7 * time.Second},
		{"600", 120 * time.Second},
		{"garbage", 5 * time.Second},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
