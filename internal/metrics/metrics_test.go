package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, s *Sink) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestSinkExposesInstruments(t *testing.T) {
	s := New("test")

	s.ObserveFetch("AERC", "ok", 120*time.Millisecond)
	s.CacheResult("html", "hit")
	s.LimiterWait(10 * time.Millisecond)
	s.RunCompleted("AERC", "ok", 3*time.Second, map[string]int{"parsed": 10, "inserted": 4})
	s.PipelineError("parse", "PARSE_ROW")
	s.SetConsecutiveDegraded(2)
	s.ScheduleOverlapSuppressed("scrape")
	s.GeocodeResult("nominatim", "ok")
	s.EnrichResult("skipped")

	body := scrape(t, s)

	for _, want := range []string{
		`ridecal_fetch_total{outcome="ok",source="AERC"} 1`,
		`ridecal_cache_results_total{cache="html",outcome="hit"} 1`,
		`ridecal_limiter_waits_total 1`,
		`ridecal_runs_total{outcome="ok",source="AERC"} 1`,
		`ridecal_run_last_counts{counter="parsed",source="AERC"} 10`,
		`ridecal_errors_total{code="PARSE_ROW",stage="parse"} 1`,
		`ridecal_consecutive_degraded_runs 2`,
		`ridecal_schedule_overlaps_total{job="scrape"} 1`,
		`ridecal_geocode_total{outcome="ok",provider="nominatim"} 1`,
		`ridecal_enrich_total{outcome="skipped"} 1`,
		`ridecal_build_info{version="test"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilSinkIsNoOp(t *testing.T) {
	var s *Sink
	s.ObserveFetch("AERC", "ok", time.Second)
	s.CacheResult("html", "miss")
	s.LimiterWait(time.Millisecond)
	s.RunCompleted("AERC", "failed", time.Second, nil)
	s.PipelineError("fetch", "FETCH_timeout")
	s.SetConsecutiveDegraded(1)
	s.ScheduleOverlapSuppressed("scrape")
	s.ScheduleGap("scrape")
	s.GeocodeResult("google", "error")
	s.EnrichResult("ok")
	if s.Handler() == nil {
		t.Error("nil sink should still return a handler")
	}
}

func TestTwoSinksDoNotCollide(t *testing.T) {
	a := New("a")
	b := New("b")
	a.CacheResult("html", "hit")
	if body := scrape(t, b); strings.Contains(body, `cache="html"`) {
		t.Error("sinks share state; registries must be isolated")
	}
}
