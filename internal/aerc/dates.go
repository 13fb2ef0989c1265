package aerc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// monthsByToken resolves month tokens as they appear in calendar rows.
// The calendar abbreviates inconsistently, including two-letter codes.
var monthsByToken = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,

	"ja": time.January, "fe": time.February, "mr": time.March,
	"ap": time.April, "ma": time.May, "jn": time.June,
	"jl": time.July, "au": time.August, "se": time.September,
	"oc": time.October, "no": time.November, "de": time.December,
}

var (
	numericDateRe = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{2,4})`)
	// "Mar 15, 2024", "March 15 2024", "MR 15, 2024"
	wordDateRe = regexp.MustCompile(`(?i)([A-Za-z]{2,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})`)
	// "Jun 15-16, 2024"
	rangeRe = regexp.MustCompile(`(?i)([A-Za-z]{2,9})\.?\s+(\d{1,2})\s*[-–]\s*(\d{1,2}),?\s+(\d{4})`)
	isoRe   = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// parseDateRange extracts a start and end date from row text. Single-day
// rows return start == end. An unresolvable month token or no date at
// all returns an error; the caller emits the row flagged invalid.
func parseDateRange(text string) (time.Time, time.Time, error) {
	text = strings.TrimSpace(text)

	if m := rangeRe.FindStringSubmatch(text); m != nil {
		month, ok := monthsByToken[strings.ToLower(m[1])]
		if !ok {
			return time.Time{}, time.Time{}, fmt.Errorf("unknown month token %q", m[1])
		}
		year, _ := strconv.Atoi(m[4])
		d1, _ := strconv.Atoi(m[2])
		d2, _ := strconv.Atoi(m[3])
		start := time.Date(year, month, d1, 0, 0, 0, 0, time.UTC)
		end := time.Date(year, month, d2, 0, 0, 0, 0, time.UTC)
		if end.Before(start) {
			// "Dec 31-1" style rollover into the next month.
			end = start.AddDate(0, 1, d2-d1)
		}
		return start, end, nil
	}

	if d, err := parseSingleDate(text); err == nil {
		return d, d, nil
	} else if strings.Contains(err.Error(), "unknown month") {
		return time.Time{}, time.Time{}, err
	}

	return time.Time{}, time.Time{}, fmt.Errorf("no date in %q", truncate(text, 60))
}

// parseSingleDate tries ISO, numeric, and worded forms in that order.
func parseSingleDate(text string) (time.Time, error) {
	if m := isoRe.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}

	if m := numericDateRe.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month < 1 || month > 12 {
			return time.Time{}, fmt.Errorf("month %d out of range", month)
		}
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}

	if m := wordDateRe.FindStringSubmatch(text); m != nil {
		token := strings.ToLower(m[1])
		month, ok := monthsByToken[token]
		if !ok {
			if len(token) > 3 {
				month, ok = monthsByToken[token[:3]]
			}
			if !ok {
				return time.Time{}, fmt.Errorf("unknown month token %q", m[1])
			}
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
	}

	return time.Time{}, fmt.Errorf("no date in %q", truncate(text, 60))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
