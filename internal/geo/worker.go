package geo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/metrics"
	"github.com/trailblazeapp/ridecal/internal/types"
)

// Store is the repository slice the worker needs.
type Store interface {
	ListForGeocoding(ctx context.Context, limit int) ([]types.Event, error)
	MarkGeocoded(ctx context.Context, id int64, lat, lng *float64) error
	ResetGeocoding(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*types.Event, error)
}

// QueryCache is the provider-answer cache. Nil disables caching.
type QueryCache interface {
	Get(ctx context.Context, query string) (*cache.GeocodeRecord, bool, error)
	Put(ctx context.Context, rec *cache.GeocodeRecord) error
}

// BatchResult summarizes one geocoding batch.
type BatchResult struct {
	Processed int
	Resolved  int
	Unknown   int // permanent failures, marked attempted without coordinates
	Deferred  int // transient failures, left for the next batch
}

// Worker geocodes events in batches and on demand. Permanent provider
// answers mark the event attempted; transient failures leave it
// unattempted so the next batch retries.
type Worker struct {
	store      Store
	geocoder   Geocoder
	cache      QueryCache
	sink       *metrics.Sink
	logger     *slog.Logger
	maxRetries int
	callTO     time.Duration
	retryBase  time.Duration
}

func NewWorker(store Store, geocoder Geocoder, qc QueryCache, maxRetries int, callTimeout time.Duration, sink *metrics.Sink, logger *slog.Logger) *Worker {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Worker{
		store:      store,
		geocoder:   geocoder,
		cache:      qc,
		sink:       sink,
		logger:     logger.With("component", "geocode_worker"),
		maxRetries: maxRetries,
		callTO:     callTimeout,
		retryBase:  time.Second,
	}
}

// RunBatch geocodes up to limit unattempted events.
func (w *Worker) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	events, err := w.store.ListForGeocoding(ctx, limit)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for i := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		w.processOne(ctx, &events[i], res)
	}
	w.logger.Info("geocode batch finished",
		"processed", res.Processed,
		"resolved", res.Resolved,
		"unknown", res.Unknown,
		"deferred", res.Deferred,
	)
	return res, nil
}

// ProcessEvent re-geocodes one event after an external location change:
// the stale coordinates are cleared first, then resolved afresh.
func (w *Worker) ProcessEvent(ctx context.Context, id int64) error {
	if err := w.store.ResetGeocoding(ctx, id); err != nil {
		return err
	}
	ev, err := w.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	res := &BatchResult{}
	w.processOne(ctx, ev, res)
	if res.Deferred > 0 {
		return &types.GeocodeError{Query: ev.Location, Kind: types.GeocodeTransport, Err: errors.New("deferred to next batch")}
	}
	return nil
}

func (w *Worker) processOne(ctx context.Context, ev *types.Event, res *BatchResult) {
	res.Processed++

	query := CanonicalQuery(ev)
	if query == "" {
		// Nothing to look up; attempted-unknown keeps it out of the batch.
		w.markUnknown(ctx, ev)
		res.Unknown++
		return
	}

	if w.cache != nil {
		if rec, ok, err := w.cache.Get(ctx, query); err != nil {
			w.logger.Warn("geocode cache read failed", "query", query, "error", err)
		} else if ok {
			if rec.Found {
				w.markResolved(ctx, ev, rec.Latitude, rec.Longitude)
				res.Resolved++
			} else {
				w.markUnknown(ctx, ev)
				res.Unknown++
			}
			return
		}
	}

	result, err := w.geocodeWithRetry(ctx, query)
	switch {
	case err == nil:
		w.cachePut(ctx, &cache.GeocodeRecord{
			Query: query, Found: true,
			Latitude: result.Latitude, Longitude: result.Longitude,
			Provider: w.geocoder.Name(), FetchedAt: time.Now().UTC(),
		})
		w.sink.GeocodeResult(w.geocoder.Name(), "resolved")
		w.markResolved(ctx, ev, result.Latitude, result.Longitude)
		res.Resolved++

	case isPermanent(err):
		w.cachePut(ctx, &cache.GeocodeRecord{
			Query: query, Found: false,
			Provider: w.geocoder.Name(), FetchedAt: time.Now().UTC(),
		})
		w.sink.GeocodeResult(w.geocoder.Name(), "not_found")
		w.logger.Info("location not resolvable", "identity", ev.Identity(), "query", query, "error", err)
		w.markUnknown(ctx, ev)
		res.Unknown++

	default:
		w.sink.GeocodeResult(w.geocoder.Name(), "deferred")
		w.logger.Warn("geocode deferred", "identity", ev.Identity(), "query", query, "error", err)
		res.Deferred++
	}
}

func (w *Worker) geocodeWithRetry(ctx context.Context, query string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * w.retryBase):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, w.callTO)
		result, err := w.geocoder.Geocode(callCtx, query)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isPermanent(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (w *Worker) markResolved(ctx context.Context, ev *types.Event, lat, lng float64) {
	if err := w.store.MarkGeocoded(ctx, ev.ID, &lat, &lng); err != nil {
		w.logger.Error("mark geocoded failed", "identity", ev.Identity(), "error", err)
	}
}

func (w *Worker) markUnknown(ctx context.Context, ev *types.Event) {
	if err := w.store.MarkGeocoded(ctx, ev.ID, nil, nil); err != nil {
		w.logger.Error("mark geocoded failed", "identity", ev.Identity(), "error", err)
	}
}

func (w *Worker) cachePut(ctx context.Context, rec *cache.GeocodeRecord) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Put(ctx, rec); err != nil {
		w.logger.Warn("geocode cache write failed", "query", rec.Query, "error", err)
	}
}

func isPermanent(err error) bool {
	var ge *types.GeocodeError
	return errors.As(err, &ge) && ge.Permanent()
}
