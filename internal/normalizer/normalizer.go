// Package normalizer turns parser output into canonical events,
// merging multi-day rows and enforcing the data-model invariants.
package normalizer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trailblazeapp/ridecal/internal/types"
)

// Normalizer merges RawEvents into Events. Deterministic: the same
// input rows in the same order always produce the same output.
type Normalizer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{
		logger: logger.With("component", "normalizer"),
	}
}

// Normalize partitions rows by identity, merges contiguous-day groups,
// and validates the result. Rows that fail validation are reported as
// errors and excluded; one bad row never drops its siblings.
func (n *Normalizer) Normalize(rows []types.RawEvent) ([]types.Event, []error) {
	var errs []error

	groups, order := n.partition(rows, &errs)

	var events []types.Event
	for _, key := range order {
		group := groups[key]
		sortByDate(group)
		for i, block := range contiguousBlocks(group) {
			ev := n.mergeBlock(block)
			if i > 0 && block[0].RideID != "" {
				// A source ride id split across non-contiguous blocks
				// would give two events the same identity and make
				// their upserts race. Blocks are date-ordered, so the
				// suffix is stable across runs.
				ev.RideID = fmt.Sprintf("%s-%d", ev.RideID, i+1)
				n.logger.Warn("ride id reused across non-contiguous dates",
					"ride_id", block[0].RideID,
					"assigned", ev.RideID,
				)
			}
			if err := validate(&ev); err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, ev)
		}
	}
	return events, errs
}

// partition groups rows by identity. Rows with a ride id group on it;
// rows without group on folded (name, location) so that a multi-day
// ride lacking ids still merges, and receive a synthetic id later.
func (n *Normalizer) partition(rows []types.RawEvent, errs *[]error) (map[string][]types.RawEvent, []string) {
	groups := make(map[string][]types.RawEvent)
	var order []string

	for i := range rows {
		row := &rows[i]
		if row.Invalid || row.DateStart == nil {
			reason := row.InvalidReason
			if reason == "" {
				reason = "missing date"
			}
			*errs = append(*errs, &types.ValidationError{
				Identity: row.Source + "/" + row.Name,
				Field:    "date_start",
				Reason:   reason,
			})
			continue
		}

		var key string
		if row.RideID != "" {
			key = row.Source + "/" + row.RideID
		} else {
			key = "syn/" + fold(row.Name) + "|" + fold(row.Location)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], *row)
	}
	return groups, order
}

func sortByDate(group []types.RawEvent) {
	// Insertion sort keeps the merge stable for equal dates.
	for i := 1; i < len(group); i++ {
		for j := i; j > 0 && group[j].DateStart.Before(*group[j-1].DateStart); j-- {
			group[j], group[j-1] = group[j-1], group[j]
		}
	}
}

// contiguousBlocks splits a date-sorted group wherever the gap between
// consecutive rows exceeds one day.
func contiguousBlocks(group []types.RawEvent) [][]types.RawEvent {
	if len(group) == 0 {
		return nil
	}
	var blocks [][]types.RawEvent
	start := 0
	for i := 1; i < len(group); i++ {
		gap := group[i].DateStart.Sub(*group[i-1].DateStart)
		if gap > 24*time.Hour {
			blocks = append(blocks, group[start:i])
			start = i
		}
	}
	return append(blocks, group[start:])
}

// mergeBlock folds a contiguous block of day rows into one Event.
// Scalars take the first non-null value in day order, distances are
// concatenated preserving duplicates, judges are unioned in order, and
// cancellation is an OR across the block.
func (n *Normalizer) mergeBlock(block []types.RawEvent) types.Event {
	first := block[0]
	last := block[len(block)-1]

	ev := types.Event{
		Source:    first.Source,
		RideID:    first.RideID,
		DateStart: *first.DateStart,
		DateEnd:   *last.DateStart,
		RideDays:  len(block),
	}
	if last.DateEnd != nil && last.DateEnd.After(ev.DateEnd) {
		ev.DateEnd = *last.DateEnd
	}
	// A single row can carry a whole date range. When the span covers
	// more days than the block has rows, the span is the day count.
	if span := int(ev.DateEnd.Sub(ev.DateStart).Hours()/24) + 1; span > ev.RideDays {
		ev.RideDays = span
	}
	ev.IsMultiDayEvent = ev.RideDays >= 2
	ev.IsPioneerRide = ev.RideDays >= 3

	seenJudges := make(map[string]bool)
	for i := range block {
		row := &block[i]

		pickString(&ev.Name, row.Name)
		pickString(&ev.Description, row.Description)
		pickString(&ev.Location, row.Location)
		pickString(&ev.City, row.City)
		pickString(&ev.State, row.State)
		pickString(&ev.Country, row.Country)
		pickString(&ev.Region, row.Region)
		pickString(&ev.RideManager, row.RideManager)
		pickString(&ev.ManagerContact.Name, row.ManagerContact.Name)
		pickString(&ev.ManagerContact.Email, row.ManagerContact.Email)
		pickString(&ev.ManagerContact.Phone, row.ManagerContact.Phone)
		pickString(&ev.WebsiteURL, row.WebsiteURL)
		pickString(&ev.FlyerURL, row.FlyerURL)
		pickString(&ev.MapLink, row.MapLink)

		ev.Distances = append(ev.Distances, row.Distances...)

		for _, j := range row.ControlJudges {
			k := j.Role + "/" + j.Name
			if !seenJudges[k] {
				seenJudges[k] = true
				ev.ControlJudges = append(ev.ControlJudges, j)
			}
		}

		if row.HasIntroRide {
			ev.HasIntroRide = true
		}
		if row.IsCanceled {
			ev.IsCanceled = true
		}

		if !ev.HasCoordinates() && row.Latitude != nil && row.Longitude != nil {
			lat, lng := *row.Latitude, *row.Longitude
			ev.Latitude = &lat
			ev.Longitude = &lng
			ev.GeocodingAttempted = true
		}

		if row.Directions != "" {
			n.mergeDetail(&ev, types.DetailDirections, row.Directions)
		}
	}

	if ev.RideID == "" {
		ev.RideID = types.SyntheticRideID(ev.Source, ev.Name, &ev.DateStart, ev.Location)
		n.logger.Debug("synthesized ride id",
			"name", ev.Name,
			"ride_id", ev.RideID,
		)
	}
	return ev
}

// mergeDetail writes a details key first-write-wins, logging conflicts.
func (n *Normalizer) mergeDetail(ev *types.Event, key string, value string) {
	if existing := ev.DetailString(key); existing != "" {
		if existing != value {
			n.logger.Warn("conflicting detail values across day rows",
				"key", key,
				"kept", truncateForLog(existing),
				"dropped", truncateForLog(value),
			)
		}
		return
	}
	ev.SetDetail(key, value)
}

func validate(ev *types.Event) error {
	if ev.Name == "" {
		return &types.ValidationError{Identity: ev.Identity(), Field: "name", Reason: "empty"}
	}
	if ev.DateEnd.Before(ev.DateStart) {
		return &types.ValidationError{
			Identity: ev.Identity(),
			Field:    "date_end",
			Reason:   fmt.Sprintf("%s before date_start %s", ev.DateEnd.Format("2006-01-02"), ev.DateStart.Format("2006-01-02")),
		}
	}
	if !ev.GeocodingAttempted && ev.HasCoordinates() {
		return &types.ValidationError{Identity: ev.Identity(), Field: "latitude", Reason: "coordinates without geocoding_attempted"}
	}
	return nil
}

func pickString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func truncateForLog(s string) string {
	if len(s) <= 40 {
		return s
	}
	return s[:40] + "..."
}
