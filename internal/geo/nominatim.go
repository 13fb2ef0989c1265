package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trailblazeapp/ridecal/internal/types"
)

const nominatimEndpoint = "https://nominatim.openstreetmap.org/search"

// Nominatim queries the OpenStreetMap geocoder. The service requires a
// descriptive User-Agent and tolerates at most one request per second;
// callers pace requests through the shared rate limiter.
type Nominatim struct {
	client    *http.Client
	endpoint  string
	userAgent string
}

func NewNominatim(userAgent string, timeout time.Duration) *Nominatim {
	return &Nominatim{
		client:    &http.Client{Timeout: timeout},
		endpoint:  nominatimEndpoint,
		userAgent: userAgent,
	}
}

func (n *Nominatim) Name() string { return "nominatim" }

func (n *Nominatim) Geocode(ctx context.Context, query string) (*Result, error) {
	u := n.endpoint + "?" + url.Values{
		"q":      {query},
		"format": {"json"},
		"limit":  {"2"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, transportErr(query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.GeocodeError{
			Query: query,
			Kind:  types.GeocodeTransport,
			Err:   fmt.Errorf("nominatim status %d", resp.StatusCode),
		}
	}

	var hits []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&hits); err != nil {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}
	if len(hits) == 0 {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeNotFound, Err: errors.New("no results")}
	}

	first, err := parseHit(hits[0].Lat, hits[0].Lon)
	if err != nil {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}
	// Two far-apart candidates mean the query was too vague to trust.
	if len(hits) > 1 {
		second, err := parseHit(hits[1].Lat, hits[1].Lon)
		if err == nil && farApart(first, second) {
			return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeAmbiguous, Err: errors.New("candidates disagree")}
		}
	}
	return first, nil
}

func parseHit(latS, lonS string) (*Result, error) {
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return nil, fmt.Errorf("bad latitude %q", latS)
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return nil, fmt.Errorf("bad longitude %q", lonS)
	}
	return &Result{Latitude: lat, Longitude: lon}, nil
}

// farApart reports whether two candidates differ by more than roughly
// one degree in either axis, about 70 miles at mid latitudes.
func farApart(a, b *Result) bool {
	return math.Abs(a.Latitude-b.Latitude) > 1 || math.Abs(a.Longitude-b.Longitude) > 1
}

func transportErr(query string, err error) error {
	kind := types.GeocodeTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = types.GeocodeTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		kind = types.GeocodeTimeout
	}
	return &types.GeocodeError{Query: query, Kind: kind, Err: err}
}
