package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailblazeapp/ridecal/internal/fetch"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/types"
)

// Store is the repository slice the worker uses.
type Store interface {
	ListForDetailEnrichment(ctx context.Context, now time.Time, limit int) ([]types.Event, error)
	UpdateDetails(ctx context.Context, id int64, patch map[string]any, checkedAt time.Time) error
}

// Fetcher fetches event websites, cached like any other page.
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (*fetch.Result, error)
}

// BatchResult summarizes one enrichment pass.
type BatchResult struct {
	Processed int
	Enriched  int
	Failed    int
}

// Worker runs the tiered-cadence website checks. At most batchSize
// items are in flight at once; one failing item never takes the batch
// down.
type Worker struct {
	store     Store
	fetcher   Fetcher
	extractor DetailExtractor
	batchSize int
	sink      *metrics.Sink
	logger    *slog.Logger
	now       func() time.Time
}

func NewWorker(store Store, fetcher Fetcher, extractor DetailExtractor, batchSize int, sink *metrics.Sink, logger *slog.Logger) *Worker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Worker{
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		batchSize: batchSize,
		sink:      sink,
		logger:    logger.With("component", "enrich_worker"),
		now:       time.Now,
	}
}

// RunBatch enriches up to limit due events.
func (w *Worker) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	events, err := w.store.ListForDetailEnrichment(ctx, w.now().UTC(), limit)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.batchSize)
	for i := range events {
		ev := &events[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok := w.processOne(gctx, ev)
			mu.Lock()
			res.Processed++
			if ok {
				res.Enriched++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	w.logger.Info("enrichment batch finished",
		"processed", res.Processed,
		"enriched", res.Enriched,
		"failed", res.Failed,
	)
	return res, nil
}

// processOne checks one event and reports whether the check was
// recorded.
func (w *Worker) processOne(ctx context.Context, ev *types.Event) bool {
	page, ok := w.fetchPage(ctx, ev)
	if !ok {
		// Transient; the event stays due and the next pass retries.
		w.sink.EnrichResult("fetch_failed")
		return false
	}

	text, err := PlainText(page)
	if err != nil || text == "" {
		w.logger.Warn("no usable text on event website", "identity", ev.Identity(), "error", err)
		// Stamp the check anyway so an empty page does not stay due.
		return w.updateDetails(ctx, ev, map[string]any{})
	}

	fields, err := w.extractor.Extract(ctx, text, Hints{
		EventName: ev.Name,
		Date:      ev.DateStart.Format("2006-01-02"),
		Location:  ev.Location,
	})
	if err != nil {
		w.sink.EnrichResult("extract_failed")
		w.logger.Warn("detail extraction failed", "identity", ev.Identity(), "error", err)
		return false
	}

	return w.updateDetails(ctx, ev, patchFrom(fields))
}

// fetchPage tries the website first and falls back to the flyer.
func (w *Worker) fetchPage(ctx context.Context, ev *types.Event) ([]byte, bool) {
	for _, u := range []string{ev.WebsiteURL, ev.FlyerURL} {
		if u == "" {
			continue
		}
		result, err := w.fetcher.Fetch(ctx, &fetch.Request{URL: u, Source: "enrich"})
		if err != nil {
			w.logger.Warn("event page fetch failed", "identity", ev.Identity(), "url", u, "error", err)
			continue
		}
		return result.Body, true
	}
	return nil, false
}

func (w *Worker) updateDetails(ctx context.Context, ev *types.Event, patch map[string]any) bool {
	if err := w.store.UpdateDetails(ctx, ev.ID, patch, w.now().UTC()); err != nil {
		w.sink.EnrichResult("store_failed")
		w.logger.Error("details update failed", "identity", ev.Identity(), "error", err)
		return false
	}
	w.sink.EnrichResult("ok")
	return true
}

// patchFrom drops empty extractor fields so the merge never clobbers a
// stored value with a blank.
func patchFrom(fields map[string]any) map[string]any {
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if v == nil {
			continue
		}
		patch[k] = v
	}
	return patch
}
