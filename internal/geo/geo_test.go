package geo

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trailblazeapp/ridecal/internal/cache"
	"github.com/trailblazeapp/ridecal/internal/types"
)

func TestCanonicalQuery(t *testing.T) {
	cases := []struct {
		ev   types.Event
		want string
	}{
		{types.Event{Location: "Empire Ranch, Sonoita, AZ", City: "Sonoita", State: "AZ", Country: "USA"},
			"empire ranch, sonoita, az, usa"},
		{types.Event{Location: "Belair Provincial Forest", City: "Belair", State: "Manitoba", Country: "Canada"},
			"belair provincial forest, belair, manitoba, canada"},
		{types.Event{Location: "  Fort   Howes,  MT "}, "fort howes, mt"},
		{types.Event{}, ""},
	}
	for _, c := range cases {
		if got := CanonicalQuery(&c.ev); got != c.want {
			t.Errorf("CanonicalQuery(%q) = %q, want %q", c.ev.Location, got, c.want)
		}
	}
}

func TestNominatimSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		if r.Header.Get("User-Agent") != "ridecal/test" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`[{"lat":"31.6773","lon":"-110.6561"}]`))
	}))
	defer srv.Close()

	n := NewNominatim("ridecal/test", 5*time.Second)
	n.endpoint = srv.URL

	got, err := n.Geocode(context.Background(), "empire ranch, sonoita, az")
	if err != nil {
		t.Fatalf("geocode: %v", err)
	}
	if got.Latitude != 31.6773 || got.Longitude != -110.6561 {
		t.Errorf("result = %+v", got)
	}
}

func TestNominatimNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	n := NewNominatim("ridecal/test", 5*time.Second)
	n.endpoint = srv.URL

	_, err := n.Geocode(context.Background(), "nowhere at all")
	var ge *types.GeocodeError
	if !errors.As(err, &ge) || ge.Kind != types.GeocodeNotFound || !ge.Permanent() {
		t.Errorf("err = %v, want permanent not_found", err)
	}
}

func TestNominatimAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"lat":"31.0","lon":"-110.0"},{"lat":"45.0","lon":"-93.0"}]`))
	}))
	defer srv.Close()

	n := NewNominatim("ridecal/test", 5*time.Second)
	n.endpoint = srv.URL

	_, err := n.Geocode(context.Background(), "springfield")
	var ge *types.GeocodeError
	if !errors.As(err, &ge) || ge.Kind != types.GeocodeAmbiguous {
		t.Errorf("err = %v, want ambiguous", err)
	}
}

func TestNominatimServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNominatim("ridecal/test", 5*time.Second)
	n.endpoint = srv.URL

	_, err := n.Geocode(context.Background(), "anywhere")
	var ge *types.GeocodeError
	if !errors.As(err, &ge) || ge.Permanent() {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestGoogleStatuses(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k123" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	g := NewGoogle("k123", 5*time.Second)
	g.endpoint = srv.URL

	body = `{"status":"OK","results":[{"geometry":{"location":{"lat":35.19,"lng":-111.65}}}]}`
	got, err := g.Geocode(context.Background(), "flagstaff az")
	if err != nil || got.Latitude != 35.19 {
		t.Errorf("ok case: %v %+v", err, got)
	}

	body = `{"status":"ZERO_RESULTS","results":[]}`
	_, err = g.Geocode(context.Background(), "nowhere")
	var ge *types.GeocodeError
	if !errors.As(err, &ge) || !ge.Permanent() {
		t.Errorf("zero results: %v, want permanent", err)
	}

	body = `{"status":"OVER_QUERY_LIMIT","results":[]}`
	_, err = g.Geocode(context.Background(), "anywhere")
	if !errors.As(err, &ge) || ge.Permanent() {
		t.Errorf("over limit: %v, want transient", err)
	}
}

type fakeStore struct {
	events map[int64]*types.Event
	marked map[int64][2]*float64
	reset  []int64
}

func newFakeStore(events ...*types.Event) *fakeStore {
	s := &fakeStore{events: make(map[int64]*types.Event), marked: make(map[int64][2]*float64)}
	for _, ev := range events {
		s.events[ev.ID] = ev
	}
	return s
}

func (s *fakeStore) ListForGeocoding(_ context.Context, limit int) ([]types.Event, error) {
	var out []types.Event
	for _, ev := range s.events {
		if !ev.GeocodingAttempted && len(out) < limit {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkGeocoded(_ context.Context, id int64, lat, lng *float64) error {
	s.marked[id] = [2]*float64{lat, lng}
	return nil
}

func (s *fakeStore) ResetGeocoding(_ context.Context, id int64) error {
	s.reset = append(s.reset, id)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id int64) (*types.Event, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return ev, nil
}

type fakeGeocoder struct {
	calls  int
	result *Result
	err    error
}

func (f *fakeGeocoder) Name() string { return "fake" }

func (f *fakeGeocoder) Geocode(context.Context, string) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type memCache struct {
	recs map[string]*cache.GeocodeRecord
}

func (c *memCache) Get(_ context.Context, q string) (*cache.GeocodeRecord, bool, error) {
	rec, ok := c.recs[q]
	return rec, ok, nil
}

func (c *memCache) Put(_ context.Context, rec *cache.GeocodeRecord) error {
	c.recs[rec.Query] = rec
	return nil
}

func TestWorkerResolves(t *testing.T) {
	store := newFakeStore(&types.Event{ID: 1, Location: "Sonoita, AZ"})
	gc := &fakeGeocoder{result: &Result{Latitude: 31.6, Longitude: -110.6}}
	qc := &memCache{recs: make(map[string]*cache.GeocodeRecord)}
	w := NewWorker(store, gc, qc, 2, time.Second, nil, slog.Default())

	res, err := w.RunBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Resolved != 1 || res.Processed != 1 {
		t.Errorf("result = %+v", res)
	}
	mark := store.marked[1]
	if mark[0] == nil || *mark[0] != 31.6 {
		t.Errorf("marked = %v", mark)
	}
	if rec, ok := qc.recs["sonoita, az"]; !ok || !rec.Found {
		t.Error("positive answer not cached")
	}
}

func TestWorkerPermanentFailureMarksUnknown(t *testing.T) {
	store := newFakeStore(&types.Event{ID: 2, Location: "Nowhere"})
	gc := &fakeGeocoder{err: &types.GeocodeError{Query: "nowhere", Kind: types.GeocodeNotFound, Err: errors.New("no results")}}
	w := NewWorker(store, gc, nil, 2, time.Second, nil, slog.Default())

	res, _ := w.RunBatch(context.Background(), 10)
	if res.Unknown != 1 {
		t.Errorf("result = %+v", res)
	}
	mark, ok := store.marked[2]
	if !ok || mark[0] != nil || mark[1] != nil {
		t.Errorf("marked = %v, want attempted with nil coordinates", mark)
	}
	if gc.calls != 1 {
		t.Errorf("permanent failure retried: %d calls", gc.calls)
	}
}

func TestWorkerTransientFailureDefers(t *testing.T) {
	store := newFakeStore(&types.Event{ID: 3, Location: "Flaky"})
	gc := &fakeGeocoder{err: &types.GeocodeError{Query: "flaky", Kind: types.GeocodeTransport, Err: errors.New("503")}}
	w := NewWorker(store, gc, nil, 1, time.Second, nil, slog.Default())
	w.retryBase = time.Millisecond

	res, _ := w.RunBatch(context.Background(), 10)
	if res.Deferred != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, marked := store.marked[3]; marked {
		t.Error("transient failure must leave the event unattempted")
	}
	if gc.calls != 2 {
		t.Errorf("calls = %d, want initial try plus one retry", gc.calls)
	}
}

func TestWorkerCacheHitSkipsProvider(t *testing.T) {
	store := newFakeStore(&types.Event{ID: 4, Location: "Cached Place"})
	gc := &fakeGeocoder{result: &Result{Latitude: 1, Longitude: 2}}
	qc := &memCache{recs: map[string]*cache.GeocodeRecord{
		"cached place": {Query: "cached place", Found: true, Latitude: 40.0, Longitude: -105.0},
	}}
	w := NewWorker(store, gc, qc, 2, time.Second, nil, slog.Default())

	res, _ := w.RunBatch(context.Background(), 10)
	if res.Resolved != 1 || gc.calls != 0 {
		t.Errorf("result = %+v, calls = %d", res, gc.calls)
	}
	if mark := store.marked[4]; mark[0] == nil || *mark[0] != 40.0 {
		t.Errorf("marked = %v", mark)
	}
}

func TestWorkerNegativeCacheHitMarksUnknown(t *testing.T) {
	store := newFakeStore(&types.Event{ID: 5, Location: "Known Bad"})
	gc := &fakeGeocoder{result: &Result{Latitude: 1, Longitude: 2}}
	qc := &memCache{recs: map[string]*cache.GeocodeRecord{
		"known bad": {Query: "known bad", Found: false},
	}}
	w := NewWorker(store, gc, qc, 2, time.Second, nil, slog.Default())

	res, _ := w.RunBatch(context.Background(), 10)
	if res.Unknown != 1 || gc.calls != 0 {
		t.Errorf("result = %+v, calls = %d", res, gc.calls)
	}
}

func TestProcessEventResetsFirst(t *testing.T) {
	lat, lng := 30.0, -100.0
	store := newFakeStore(&types.Event{ID: 6, Location: "Moved Venue", Latitude: &lat, Longitude: &lng, GeocodingAttempted: true})
	gc := &fakeGeocoder{result: &Result{Latitude: 32.0, Longitude: -101.0}}
	w := NewWorker(store, gc, nil, 2, time.Second, nil, slog.Default())

	if err := w.ProcessEvent(context.Background(), 6); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.reset) != 1 || store.reset[0] != 6 {
		t.Error("geocoding state not reset before re-resolving")
	}
	if mark := store.marked[6]; mark[0] == nil || *mark[0] != 32.0 {
		t.Errorf("marked = %v", mark)
	}
}

func TestBreakerOpensOnConsecutiveTransientFailures(t *testing.T) {
	inner := &fakeGeocoder{err: &types.GeocodeError{Query: "q", Kind: types.GeocodeTransport, Err: errors.New("down")}}
	g := WithBreaker(inner)

	for i := 0; i < 6; i++ {
		g.Geocode(context.Background(), "q")
	}
	before := inner.calls
	_, err := g.Geocode(context.Background(), "q")
	var ge *types.GeocodeError
	if !errors.As(err, &ge) || ge.Permanent() {
		t.Errorf("err = %v, want transient", err)
	}
	if inner.calls != before {
		t.Error("open breaker must not call the provider")
	}
}

func TestBreakerIgnoresPermanentAnswers(t *testing.T) {
	inner := &fakeGeocoder{err: &types.GeocodeError{Query: "q", Kind: types.GeocodeNotFound, Err: errors.New("no results")}}
	g := WithBreaker(inner)

	for i := 0; i < 10; i++ {
		g.Geocode(context.Background(), "q")
	}
	if inner.calls != 10 {
		t.Errorf("calls = %d, not-found answers must not trip the breaker", inner.calls)
	}
}
