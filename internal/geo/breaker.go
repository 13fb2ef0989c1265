package geo

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trailblazeapp/ridecal/internal/types"
)

// WithBreaker wraps a Geocoder in a circuit breaker so a flapping
// provider fails fast instead of stalling every batch on timeouts.
// Permanent answers (not found, ambiguous) do not count as failures.
func WithBreaker(inner Geocoder) Geocoder {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ge *types.GeocodeError
			return errors.As(err, &ge) && ge.Permanent()
		},
	})
	return &breakerGeocoder{inner: inner, cb: cb}
}

type breakerGeocoder struct {
	inner Geocoder
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerGeocoder) Name() string { return b.inner.Name() }

func (b *breakerGeocoder) Geocode(ctx context.Context, query string) (*Result, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Geocode(ctx, query)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &types.GeocodeError{Query: query, Kind: types.GeocodeTransport, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}
