// Package enrich checks event websites on a tiered cadence and merges
// structured details extracted from them into event_details.
package enrich

import (
	"context"
)

// Hints give the extractor event context so it can disambiguate the
// page text.
type Hints struct {
	EventName string
	Date      string
	Location  string
}

// DetailExtractor turns page text into structured event fields. Keys
// follow the event_details vocabulary; unknown keys are preserved by
// the repository merge. Implementations return *types.ExtractorError
// on failure.
type DetailExtractor interface {
	Extract(ctx context.Context, text string, hints Hints) (map[string]any, error)
}
