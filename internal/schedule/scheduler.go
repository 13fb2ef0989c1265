// Package schedule runs the scrape and enrichment jobs on cron
// schedules, suppressing overlapping firings of the same job.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trailblazeapp/ridecal/internal/metrics"
)

// Job is one schedulable unit of work. Each firing gets the scheduler's
// base context; the job owns its own deadline.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	fn       Job
	sched    cron.Schedule
	mu       sync.Mutex
	running  bool
	lastFire time.Time
}

// Scheduler wraps cron with per-job overlap suppression and
// missed-firing detection.
type Scheduler struct {
	cron    *cron.Cron
	sink    *metrics.Sink
	logger  *slog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]*entry
}

func New(sink *metrics.Sink, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sink:    sink,
		logger:  logger.With("component", "scheduler"),
		baseCtx: context.Background(),
		entries: make(map[string]*entry),
	}
}

// Add registers a job under a standard 5-field cron spec.
func (s *Scheduler) Add(name, spec string, fn Job) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("schedule %q for job %s: %w", spec, name, err)
	}

	e := &entry{name: name, fn: fn, sched: sched}
	s.mu.Lock()
	s.entries[name] = e
	s.mu.Unlock()

	_, err = s.cron.AddFunc(spec, func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// SeedLastFire primes a job's last firing time from persisted state so
// a gap spanning a process restart is still detected on the first
// firing. An earlier time than the current one is ignored.
func (s *Scheduler) SeedLastFire(name string, t time.Time) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job named %s", name)
	}
	e.mu.Lock()
	if t.After(e.lastFire) {
		e.lastFire = t
	}
	e.mu.Unlock()
	return nil
}

// Trigger fires a job ad hoc, subject to the same overlap suppression.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job named %s", name)
	}
	s.fire(e)
	return nil
}

// Run starts the schedules and blocks until ctx is cancelled, then
// waits for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.baseCtx = ctx
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) fire(e *entry) {
	now := time.Now()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		s.sink.ScheduleOverlapSuppressed(e.name)
		s.logger.Warn("firing suppressed, previous run still in flight", "job", e.name)
		return
	}
	if missedFiring(e.sched, e.lastFire, now) {
		s.sink.ScheduleGap(e.name)
		s.logger.Warn("missed at least one scheduled firing", "job", e.name, "last_fire", e.lastFire)
	}
	e.running = true
	e.lastFire = now
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	s.logger.Info("job firing", "job", e.name)
	if err := e.fn(s.baseCtx); err != nil {
		s.logger.Error("job failed", "job", e.name, "error", err)
	}
}

// missedFiring reports whether a whole scheduled slot passed between
// the previous firing and now.
func missedFiring(sched cron.Schedule, lastFire, now time.Time) bool {
	if lastFire.IsZero() {
		return false
	}
	next := sched.Next(lastFire)
	following := sched.Next(next)
	return !now.Before(following)
}
