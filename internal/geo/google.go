package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/trailblazeapp/ridecal/internal/types"
)

const googleEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

// Google queries the Google Geocoding API.
type Google struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewGoogle(apiKey string, timeout time.Duration) *Google {
	return &Google{
		client:   &http.Client{Timeout: timeout},
		endpoint: googleEndpoint,
		apiKey:   apiKey,
	}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Geocode(ctx context.Context, query string) (*Result, error) {
	u := g.endpoint + "?" + url.Values{
		"address": {query},
		"key":     {g.apiKey},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transportErr(query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.GeocodeError{
			Query: query,
			Kind:  types.GeocodeTransport,
			Err:   fmt.Errorf("google status %d", resp.StatusCode),
		}
	}

	var payload struct {
		Status  string `json:"status"`
		Results []struct {
			PartialMatch bool `json:"partial_match"`
			Geometry     struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}

	switch payload.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeNotFound, Err: errors.New("zero results")}
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: errors.New(payload.Status)}
	default:
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeNotFound, Err: errors.New(payload.Status)}
	}
	if len(payload.Results) == 0 {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeNotFound, Err: errors.New("empty result set")}
	}
	if len(payload.Results) > 1 && payload.Results[0].PartialMatch {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeAmbiguous, Err: errors.New("multiple partial matches")}
	}

	loc := payload.Results[0].Geometry.Location
	return &Result{Latitude: loc.Lat, Longitude: loc.Lng}, nil
}
