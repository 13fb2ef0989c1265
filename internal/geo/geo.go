// Package geo resolves event locations to WGS84 coordinates through a
// pluggable provider, with per-query caching and a circuit breaker.
package geo

import (
	"context"
	"regexp"
	"strings"

	"github.com/trailblazeapp/ridecal/internal/types"
)

// Result is one resolved coordinate pair in decimal degrees.
type Result struct {
	Latitude  float64
	Longitude float64
}

// Geocoder resolves a canonicalized query string to coordinates.
// Implementations return *types.GeocodeError on failure so callers can
// tell permanent answers from transient ones.
type Geocoder interface {
	Name() string
	Geocode(ctx context.Context, query string) (*Result, error)
}

var spaceRe = regexp.MustCompile(`\s+`)

// CanonicalQuery derives the provider query from an event's address
// fields. The raw location line leads; city/state/country are appended
// when the location does not already mention them. Casing and
// whitespace are normalized so cache keys collide for equivalent
// addresses.
func CanonicalQuery(ev *types.Event) string {
	parts := []string{strings.TrimSpace(ev.Location)}
	lower := strings.ToLower(ev.Location)
	for _, field := range []string{ev.City, ev.State, ev.Country} {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(field)) {
			parts = append(parts, field)
		}
	}
	q := strings.Join(parts, ", ")
	q = strings.Trim(q, ", ")
	q = spaceRe.ReplaceAllString(q, " ")
	return strings.ToLower(q)
}
