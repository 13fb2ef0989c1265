package aerc

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var coordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]q=(-?\d+\.\d+),(-?\d+\.\d+)`),
	regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+)`),
	regexp.MustCompile(`[?&]ll=(-?\d+\.\d+),(-?\d+\.\d+)`),
	regexp.MustCompile(`[?&]destination=(-?\d+\.\d+),(-?\d+\.\d+)`),
}

// extractCoordinates pulls an explicit lat,lng out of a map link.
// Returns false when no pattern matches or values are out of range.
func extractCoordinates(mapLink string) (lat, lng float64, ok bool) {
	for _, re := range coordPatterns {
		m := re.FindStringSubmatch(mapLink)
		if m == nil {
			continue
		}
		lat, err1 := strconv.ParseFloat(m[1], 64)
		lng, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			continue
		}
		return lat, lng, true
	}
	return 0, 0, false
}

// canonicalizeLink validates and normalizes an extracted URL: lowercase
// scheme and host, trailing slash trimmed. Errors drop the link.
func canonicalizeLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// classifyLink buckets a row link by href and anchor text.
func classifyLink(href, text string) string {
	lowHref := strings.ToLower(href)
	text = strings.ToLower(text)

	switch {
	case strings.Contains(lowHref, "maps.google") ||
		strings.Contains(lowHref, "goo.gl/maps") ||
		strings.Contains(text, "directions") ||
		strings.Contains(text, "map"):
		return "map"
	case strings.HasSuffix(lowHref, ".pdf") ||
		strings.Contains(text, "entry") ||
		strings.Contains(text, "flyer") ||
		strings.Contains(text, "form"):
		return "flyer"
	case strings.Contains(text, "website") ||
		strings.Contains(text, "details") ||
		strings.Contains(text, "info") ||
		strings.Contains(text, "site"):
		return "website"
	default:
		return ""
	}
}
