package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// syntheticIDVersion is bumped whenever the synthesis function changes, so
// ids derived under different rules never collide silently.
const syntheticIDVersion = "v1"

// SyntheticRideID derives a deterministic ride id for sources that omit one.
// The function is pure: the same (source, name, dateStart, location) always
// yields the same id. Inputs are case-folded and whitespace-trimmed so
// cosmetic source changes do not fork identity.
func SyntheticRideID(source, name string, dateStart *time.Time, location string) string {
	date := ""
	if dateStart != nil {
		date = dateStart.Format("2006-01-02")
	}
	key := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(source)),
		strings.ToLower(strings.TrimSpace(name)),
		date,
		strings.ToLower(strings.TrimSpace(location)),
	}, "|")
	return fmt.Sprintf("syn-%s-%016x", syntheticIDVersion, xxhash.Sum64String(key))
}
