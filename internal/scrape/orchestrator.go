// Package scrape drives one end-to-end calendar harvest: discover the
// season pages, fetch and parse them in order, merge the rows, and
// upsert the result while accumulating a RunReport.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trailblazeapp/ridecal/internal/aerc"
	"github.com/trailblazeapp/ridecal/internal/fetch"
	"github.com/trailblazeapp/ridecal/internal/htmlnorm"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/normalizer"
	"github.com/trailblazeapp/ridecal/internal/storage"
	"github.com/trailblazeapp/ridecal/internal/types"
)

// Fetcher is the page-fetching capability the orchestrator depends on.
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (*fetch.Result, error)
}

// Store is the slice of the repository the orchestrator uses.
type Store interface {
	Upsert(ctx context.Context, ev *types.Event) (storage.UpsertResult, error)
	SaveRunReport(ctx context.Context, report *types.RunReport) error
	LastRunOutcomes(ctx context.Context, source string, n int) ([]types.RunOutcome, error)
}

// Options tune a run. Zero values mean no deadline and serial upserts.
type Options struct {
	RunDeadline       time.Duration
	UpsertConcurrency int
}

// Orchestrator owns the scrape run lifecycle.
type Orchestrator struct {
	fetcher Fetcher
	parser  *aerc.Parser
	norm    *normalizer.Normalizer
	store   Store
	sink    *metrics.Sink
	logger  *slog.Logger
	opts    Options
}

func New(fetcher Fetcher, parser *aerc.Parser, norm *normalizer.Normalizer, store Store, sink *metrics.Sink, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.UpsertConcurrency < 1 {
		opts.UpsertConcurrency = 1
	}
	return &Orchestrator{
		fetcher: fetcher,
		parser:  parser,
		norm:    norm,
		store:   store,
		sink:    sink,
		logger:  logger.With("component", "orchestrator"),
		opts:    opts,
	}
}

// Run executes one scrape end to end and persists the RunReport. The
// returned report is always non-nil; the error reflects run-fatal
// conditions only, never per-page or per-row failures.
func (o *Orchestrator) Run(ctx context.Context) (*types.RunReport, error) {
	report := &types.RunReport{
		RunID:     uuid.NewString(),
		Source:    o.parser.Source(),
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With("run_id", report.RunID)
	logger.Info("scrape run starting", "source", report.Source)

	runCtx := ctx
	if o.opts.RunDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunDeadline)
		defer cancel()
	}

	rows := o.collectRows(runCtx, report, logger)

	events, normErrs := o.norm.Normalize(rows)
	for _, err := range normErrs {
		report.Counts.Invalid++
		report.AddError("normalize", "", err)
		o.sink.PipelineError("normalize", types.ErrorCode(err))
	}
	report.Counts.Valid = len(events)
	report.Counts.Parsed = report.Counts.Valid + report.Counts.Invalid

	o.upsertAll(runCtx, events, report, logger)

	report.EndedAt = time.Now().UTC()
	report.Outcome = o.classify(runCtx, report)

	o.sink.RunCompleted(report.Source, string(report.Outcome),
		report.EndedAt.Sub(report.StartedAt), countsMap(&report.Counts))

	// Persist the report even when the run deadline has passed.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SaveRunReport(saveCtx, report); err != nil {
		logger.Error("run report not saved", "error", err)
	}
	o.checkDegradedStreak(saveCtx, report, logger)

	logger.Info("scrape run finished",
		"outcome", report.Outcome,
		"parsed", report.Counts.Parsed,
		"valid", report.Counts.Valid,
		"invalid", report.Counts.Invalid,
		"inserted", report.Counts.Inserted,
		"updated", report.Counts.Updated,
		"skipped", report.Counts.Skipped,
		"duration", report.EndedAt.Sub(report.StartedAt),
	)

	switch report.Outcome {
	case types.RunTimedOut:
		return report, fmt.Errorf("run %s exceeded deadline", report.RunID)
	case types.RunFailed:
		return report, fmt.Errorf("run %s failed: no pages fetched", report.RunID)
	case types.RunDegraded:
		return report, types.ErrRunDegraded
	}
	return report, nil
}

// collectRows walks the calendar: the landing page yields the season
// ids, then each season is fetched with the calendar form POST. Page
// order and in-page row order are preserved for the normalizer.
func (o *Orchestrator) collectRows(ctx context.Context, report *types.RunReport, logger *slog.Logger) []types.RawEvent {
	landing, err := o.fetcher.Fetch(ctx, &fetch.Request{
		URL:    aerc.CalendarURL,
		Source: report.Source,
	})
	if err != nil {
		report.AddError("fetch", aerc.CalendarURL, err)
		o.sink.PipelineError("fetch", types.ErrorCode(err))
		logger.Error("calendar landing page fetch failed", "error", err)
		return nil
	}
	report.Counts.Fetched++

	seasons, err := aerc.DiscoverSeasons(landing.Body)
	if err != nil {
		report.AddError("parse", aerc.CalendarURL, err)
		o.sink.PipelineError("parse", types.ErrorCode(err))
		logger.Error("season discovery failed", "error", err)
		return nil
	}

	var rows []types.RawEvent
	for _, season := range seasons {
		pageURL := fmt.Sprintf("%s?season=%s", aerc.AjaxURL, season.ID)
		pageRows, ok := o.fetchSeason(ctx, season, pageURL, report, logger)
		if !ok {
			continue
		}
		rows = append(rows, pageRows...)
	}
	return rows
}

func (o *Orchestrator) fetchSeason(ctx context.Context, season aerc.Season, pageURL string, report *types.RunReport, logger *slog.Logger) ([]types.RawEvent, bool) {
	res, err := o.fetcher.Fetch(ctx, &fetch.Request{
		URL:    aerc.AjaxURL,
		Body:   aerc.CalendarPayload([]aerc.Season{season}),
		Source: report.Source,
	})
	if err != nil {
		report.AddError("fetch", pageURL, err)
		o.sink.PipelineError("fetch", types.ErrorCode(err))
		logger.Warn("season page fetch failed", "season", season.Year, "error", err)
		return nil, false
	}
	report.Counts.Fetched++

	page, err := htmlnorm.Normalize(aerc.ExtractCalendarHTML(res.Body))
	if err != nil {
		report.AddError("normalize_html", pageURL, err)
		o.sink.PipelineError("normalize_html", types.ErrorCode(err))
		return nil, false
	}

	rows, rowErrs, err := o.parser.ParsePage(pageURL, page)
	if err != nil {
		// Structural failure skips the page, not the run.
		report.AddError("parse", pageURL, err)
		o.sink.PipelineError("parse", types.ErrorCode(err))
		logger.Warn("season page skipped", "season", season.Year, "error", err)
		return nil, false
	}
	for _, rerr := range rowErrs {
		report.Counts.Invalid++
		report.AddError("parse", pageURL, rerr)
		o.sink.PipelineError("parse", types.ErrorCode(rerr))
	}
	logger.Info("season page parsed", "season", season.Year, "rows", len(rows), "row_errors", len(rowErrs))
	return rows, true
}

// upsertAll writes events with bounded concurrency. Failed upserts are
// counted invalid so the report counters stay conserved.
func (o *Orchestrator) upsertAll(ctx context.Context, events []types.Event, report *types.RunReport, logger *slog.Logger) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.UpsertConcurrency)

	for i := range events {
		ev := &events[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				report.Counts.Invalid++
				mu.Unlock()
				return nil
			}
			res, err := o.upsertWithRetry(gctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Counts.Invalid++
				report.AddError("upsert", "", err)
				o.sink.PipelineError("upsert", types.ErrorCode(err))
				logger.Warn("upsert failed", "identity", ev.Identity(), "error", err)
				return nil
			}
			switch res {
			case storage.UpsertInserted:
				report.Counts.Inserted++
			case storage.UpsertUpdated:
				report.Counts.Updated++
			case storage.UpsertSkipped:
				report.Counts.Skipped++
			}
			if ev.IsCanceled {
				report.Counts.Canceled++
			}
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) upsertWithRetry(ctx context.Context, ev *types.Event) (storage.UpsertResult, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		res, err := o.store.Upsert(ctx, ev)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var repoErr *types.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsRetryable() {
			return "", err
		}
	}
	return "", lastErr
}

func (o *Orchestrator) classify(ctx context.Context, report *types.RunReport) types.RunOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.RunTimedOut
	}
	if report.Counts.Fetched == 0 {
		return types.RunFailed
	}
	if report.Counts.Valid == 0 {
		return types.RunDegraded
	}
	return types.RunOK
}

// checkDegradedStreak raises the alert when this run extends a streak
// of degraded runs to two or more.
func (o *Orchestrator) checkDegradedStreak(ctx context.Context, report *types.RunReport, logger *slog.Logger) {
	if report.Outcome != types.RunDegraded {
		o.sink.SetConsecutiveDegraded(0)
		return
	}
	outcomes, err := o.store.LastRunOutcomes(ctx, report.Source, 10)
	if err != nil {
		logger.Warn("degraded streak check failed", "error", err)
		return
	}
	streak := 0
	for _, out := range outcomes {
		if out != types.RunDegraded {
			break
		}
		streak++
	}
	o.sink.SetConsecutiveDegraded(streak)
	if streak >= 2 {
		logger.Error("consecutive degraded runs",
			"source", report.Source,
			"streak", streak,
		)
	}
}

func countsMap(c *types.RunCounts) map[string]int {
	return map[string]int{
		"fetched":  c.Fetched,
		"parsed":   c.Parsed,
		"valid":    c.Valid,
		"invalid":  c.Invalid,
		"inserted": c.Inserted,
		"updated":  c.Updated,
		"skipped":  c.Skipped,
		"canceled": c.Canceled,
	}
}
