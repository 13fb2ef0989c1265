package aerc

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/trailblazeapp/ridecal/internal/types"
)

// Calendar endpoints. The calendar page carries the season form; the
// admin-ajax endpoint returns the rendered rows for a season selection.
const (
	CalendarURL = "https://aerc.org/ridecalendar/"
	AjaxURL     = "https://aerc.org/wp-admin/admin-ajax.php"
)

var yearRe = regexp.MustCompile(`20\d{2}`)

// Season is one selectable season checkbox on the calendar page.
type Season struct {
	ID   string
	Year string
}

// DiscoverSeasons extracts season form ids from the calendar page. The
// form lists past seasons too; callers keep the first two (current and
// next year).
func DiscoverSeasons(calendarHTML []byte) ([]Season, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(calendarHTML))
	if err != nil {
		return nil, &types.StructuralError{URL: CalendarURL, Reason: "unreadable calendar page: " + err.Error()}
	}

	var seasons []Season
	doc.Find(`input[name="season[]"]`).Each(func(_ int, in *goquery.Selection) {
		id, ok := in.Attr("value")
		if !ok || strings.TrimSpace(id) == "" {
			return
		}
		year := yearRe.FindString(in.Parent().Text())
		seasons = append(seasons, Season{ID: strings.TrimSpace(id), Year: year})
	})

	if len(seasons) == 0 {
		return nil, &types.StructuralError{URL: CalendarURL, Reason: `no input[name="season[]"] on calendar page`}
	}
	if len(seasons) > 2 {
		seasons = seasons[:2]
	}
	return seasons, nil
}

// CalendarPayload builds the form body for the admin-ajax calendar
// request covering the given seasons, both countries, all distances.
func CalendarPayload(seasons []Season) []byte {
	form := url.Values{}
	form.Set("action", "aerc_calendar_form")
	form.Set("calendar", "calendar")
	form.Add("country[]", "United States")
	form.Add("country[]", "Canada")
	form.Set("within", "")
	form.Set("zip", "")
	form.Add("span[]", "#cal-span-season")
	for _, s := range seasons {
		form.Add("season[]", s.ID)
	}
	form.Set("daterangefrom", "")
	form.Set("daterangeto", "")
	form.Add("distance[]", "any")
	return []byte(form.Encode())
}

// ExtractCalendarHTML unwraps the admin-ajax response. The endpoint
// answers JSON {"html": "..."} but has been observed returning raw HTML.
func ExtractCalendarHTML(body []byte) []byte {
	var wrapper struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.HTML != "" {
		return []byte(wrapper.HTML)
	}
	return body
}
