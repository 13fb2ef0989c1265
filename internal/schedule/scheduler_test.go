package schedule

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trailblazeapp/ridecal/internal/metrics"
)

func TestTriggerRunsJob(t *testing.T) {
	s := New(nil, slog.Default())
	ran := 0
	err := s.Add("scrape", "0 0 * * *", func(context.Context) error {
		ran++
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Trigger("scrape"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if ran != 1 {
		t.Errorf("ran = %d", ran)
	}
	if err := s.Trigger("missing"); err == nil {
		t.Error("unknown job must error")
	}
}

func TestInvalidSpecRejected(t *testing.T) {
	s := New(nil, slog.Default())
	if err := s.Add("bad", "not a cron spec", func(context.Context) error { return nil }); err == nil {
		t.Error("invalid spec must be rejected")
	}
}

func TestOverlapSuppressed(t *testing.T) {
	s := New(nil, slog.Default())
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	err := s.Add("slow", "0 0 * * *", func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	go s.Trigger("slow")
	<-started
	// Second firing while the first is still in flight.
	s.Trigger("slow")
	close(release)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, overlapping firing must be suppressed", runs)
	}
}

func TestSeededLastFireReportsRestartGap(t *testing.T) {
	sink := metrics.New("test")
	s := New(sink, slog.Default())
	err := s.Add("scrape", "0 * * * *", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.SeedLastFire("missing", time.Now()); err == nil {
		t.Error("seeding an unknown job must error")
	}

	// Last run persisted three hours ago; the process restarted since.
	if err := s.SeedLastFire("scrape", time.Now().Add(-3*time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Trigger("scrape"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ridecal_schedule_gaps_total{job="scrape"} 1`) {
		t.Error("gap across a restart not counted")
	}
}

func TestMissedFiring(t *testing.T) {
	hourly, err := cron.ParseStandard("0 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if missedFiring(hourly, time.Time{}, base) {
		t.Error("first firing can never be a miss")
	}
	if missedFiring(hourly, base, base.Add(time.Hour)) {
		t.Error("on-time firing flagged as miss")
	}
	if !missedFiring(hourly, base, base.Add(150*time.Minute)) {
		t.Error("skipped slot not flagged")
	}
}
