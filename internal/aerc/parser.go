// Package aerc extracts ride events from the AERC calendar HTML.
package aerc

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/trailblazeapp/ridecal/internal/types"
)

var (
	cancelMarkerRe = regexp.MustCompile(`(?i)\s*\*+\s*Cancell?ed\s*\*+\s*|^\s*Cancell?ed[:\s]+`)
	canceledWordRe = regexp.MustCompile(`(?i)\b(cancell?ed|postponed)\b`)

	rideManagerRe = regexp.MustCompile(`(?:RM|Ride Manager|RideManager)[:\s]+([^,\n(]+)`)
	emailRe       = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w{2,}`)
	phoneRe       = regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)

	startTimeRe   = regexp.MustCompile(`(?i)starting at\s+(\d{1,2}(?::\d{2})?\s*(?:am|pm))`)
	onDateRe      = regexp.MustCompile(`(?i)\bon\s+([A-Za-z]{2,9}\.?\s+\d{1,2},?\s+\d{4})`)
	distanceNumRe = regexp.MustCompile(`\d+`)

	directionsNoiseRe = regexp.MustCompile(`(?i)Click Here for Directions.*`)
)

// judgeRoles are the officiating roles recognized in row text, matched
// in this order.
var judgeRoles = []struct {
	re   *regexp.Regexp
	role string
}{
	{regexp.MustCompile(`(?i)Control Judge(?:s)?\s*:\s*([^\n]+)`), "Control Judge"},
	{regexp.MustCompile(`(?i)Vet Judge(?:s)?\s*:\s*([^\n]+)`), "Vet Judge"},
	{regexp.MustCompile(`(?i)Technical Delegate(?:s)?\s*:\s*([^\n]+)`), "Technical Delegate"},
	{regexp.MustCompile(`(?i)Steward(?:s)?\s*:\s*([^\n]+)`), "Steward"},
}

var introKeywords = []string{
	"intro ride", "introductory ride", "intro distance",
	"novice ride", "beginner ride", "fun ride",
}

const maxDescriptionLen = 2000

// Parser extracts RawEvents from normalized AERC calendar pages.
type Parser struct {
	logger *slog.Logger
	debug  bool
}

// New creates an AERC calendar parser.
func New(logger *slog.Logger, debug bool) *Parser {
	return &Parser{
		logger: logger.With("component", "aerc_parser"),
		debug:  debug,
	}
}

// Source implements the parser identity used in Event.Source.
func (p *Parser) Source() string { return types.SourceAERC }

// ParsePage extracts every calendar row from one page. Row-level
// failures are collected and the row skipped; a page with no calendar
// rows at all fails with a StructuralError.
func (p *Parser) ParsePage(pageURL string, normalizedHTML []byte) ([]types.RawEvent, []error, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(normalizedHTML))
	if err != nil {
		return nil, nil, &types.StructuralError{URL: pageURL, Reason: "unreadable document: " + err.Error()}
	}

	rows := doc.Find("div.calendarRow")
	if rows.Length() == 0 {
		return nil, nil, &types.StructuralError{URL: pageURL, Reason: "no div.calendarRow in page"}
	}

	var events []types.RawEvent
	var rowErrs []error

	rows.Each(func(i int, row *goquery.Selection) {
		ev, err := p.extractRow(row)
		if err != nil {
			rowErrs = append(rowErrs, &types.RowParseError{URL: pageURL, Index: i, Err: err})
			return
		}
		events = append(events, *ev)
		if p.debug {
			p.logger.Debug("extracted row",
				"index", i,
				"ride_id", ev.RideID,
				"name", ev.Name,
				"invalid", ev.Invalid,
			)
		}
	})

	p.logger.Info("page parsed",
		"url", pageURL,
		"rows", rows.Length(),
		"events", len(events),
		"row_errors", len(rowErrs),
	)
	return events, rowErrs, nil
}

func (p *Parser) extractRow(row *goquery.Selection) (*types.RawEvent, error) {
	nameElem := row.Find("span.rideName").First()
	if nameElem.Length() == 0 {
		return nil, &missingFieldError{"span.rideName"}
	}

	ev := &types.RawEvent{Source: types.SourceAERC}

	// The ride id rides along in a nonstandard tag attribute on the
	// name span ("14-1234"); absence is tolerated and synthesized later.
	ev.RideID = strings.TrimSpace(nameElem.AttrOr("tag", ""))

	name := strings.TrimSpace(nameElem.Text())
	rowText := row.Text()
	if cancelMarkerRe.MatchString(name) || canceledWordRe.MatchString(rowText) {
		ev.IsCanceled = true
		name = strings.TrimSpace(cancelMarkerRe.ReplaceAllString(name, " "))
	}
	if name == "" {
		return nil, &missingFieldError{"ride name text"}
	}
	ev.Name = name

	ev.Region = strings.TrimSpace(row.Find("td.region").First().Text())

	p.extractDates(row, ev)
	p.extractLocation(row, ev)
	p.extractLinks(row, ev)
	p.extractContacts(row, ev)
	ev.Distances = p.extractDistances(row, ev)
	ev.ControlJudges = extractJudges(rowText)
	ev.HasIntroRide = detectIntroRide(row, rowText)
	ev.Description = extractDescription(row)
	ev.Directions = extractDirections(row)

	return ev, nil
}

func (p *Parser) extractDates(row *goquery.Selection, ev *types.RawEvent) {
	dateText := strings.TrimSpace(row.Find("span.rideDate").First().Text())
	if dateText == "" {
		dateText = row.Text()
	}

	start, end, err := parseDateRange(dateText)
	if err != nil {
		ev.Invalid = true
		ev.InvalidReason = "unparseable date: " + err.Error()
		return
	}
	ev.DateStart = &start
	ev.DateEnd = &end
}

func (p *Parser) extractLocation(row *goquery.Selection, ev *types.RawEvent) {
	var location string

	// Second fix-jumpy row, third cell carries the location line.
	locRows := row.Find("tr.fix-jumpy")
	if locRows.Length() > 1 {
		cell := locRows.Eq(1).Find("td").Eq(2)
		if cell.Length() > 0 {
			text := firstLine(cell.Text())
			text = strings.TrimSpace(directionsNoiseRe.ReplaceAllString(text, ""))
			low := strings.ToLower(text)
			if text != "" && !strings.Contains(low, "entry") && !strings.Contains(low, "flyer") && !strings.Contains(low, "website") {
				location = text
			}
		}
	}

	// Labeled row in the detail table.
	if location == "" {
		row.Find("table.detailData tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			if !strings.Contains(tr.Text(), "Location :") {
				return true
			}
			cells := tr.Find("td")
			if cells.Length() > 2 {
				text := firstLine(cells.Eq(2).Text())
				location = strings.TrimSpace(directionsNoiseRe.ReplaceAllString(text, ""))
			}
			return false
		})
	}

	if location == "" {
		location = strings.TrimSpace(row.Find("span.rideLocation").First().Text())
	}

	location = strings.TrimSpace(cancelMarkerRe.ReplaceAllString(location, ""))
	ev.Location = location
	ev.City, ev.State, ev.Country = splitLocation(location)
}

func (p *Parser) extractLinks(row *goquery.Selection, ev *types.RawEvent) {
	row.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		kind := classifyLink(href, a.Text())
		if kind == "" {
			return
		}
		canonical, err := canonicalizeLink(href)
		if err != nil {
			p.logger.Warn("dropping invalid link", "href", href, "error", err)
			return
		}
		switch kind {
		case "map":
			if ev.MapLink == "" {
				ev.MapLink = canonical
			}
		case "flyer":
			if ev.FlyerURL == "" {
				ev.FlyerURL = canonical
			}
		case "website":
			if ev.WebsiteURL == "" {
				ev.WebsiteURL = canonical
			}
		}
	})

	if ev.MapLink != "" {
		if lat, lng, ok := extractCoordinates(ev.MapLink); ok {
			ev.Latitude = &lat
			ev.Longitude = &lng
		}
	}
}

func (p *Parser) extractContacts(row *goquery.Selection, ev *types.RawEvent) {
	text := row.Text()

	if m := rideManagerRe.FindStringSubmatch(text); m != nil {
		ev.RideManager = strings.TrimSpace(m[1])
		ev.ManagerContact.Name = ev.RideManager
	}
	if m := emailRe.FindString(text); m != "" {
		ev.ManagerContact.Email = m
	}
	if m := phoneRe.FindString(text); m != "" {
		ev.ManagerContact.Phone = m
	}
}

// extractDistances reads the labeled distance rows of the detail table,
// falling back to span.distance elements. Distances outside 10..200
// miles are dropped as implausible. Source order is preserved and
// duplicates kept: multi-day rides repeat labels per day.
func (p *Parser) extractDistances(row *goquery.Selection, ev *types.RawEvent) []types.Distance {
	var out []types.Distance

	row.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 3 || strings.TrimSpace(cells.Eq(0).Text()) != "Distances" {
			return
		}
		label := strings.TrimSpace(strings.ReplaceAll(cells.Eq(1).Text(), "\u00a0", " "))
		if label == "" || !plausibleDistance(label) {
			return
		}
		detail := cells.Eq(2).Text()

		d := types.Distance{Label: label}
		if m := onDateRe.FindStringSubmatch(detail); m != nil {
			if t, err := parseSingleDate(m[1]); err == nil {
				d.Date = t.Format("2006-01-02")
			}
		}
		if m := startTimeRe.FindStringSubmatch(detail); m != nil {
			d.StartTime = strings.TrimSpace(m[1])
		}
		out = append(out, d)
	})

	if len(out) > 0 {
		return out
	}

	row.Find("span.distance").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Text())
		if label != "" && plausibleDistance(label) {
			out = append(out, types.Distance{Label: label})
		}
	})
	return out
}

// plausibleDistance keeps labels whose leading number is a believable
// ride distance. Non-numeric labels ("Intro") pass through.
func plausibleDistance(label string) bool {
	m := distanceNumRe.FindString(label)
	if m == "" {
		return true
	}
	n := 0
	for _, c := range m {
		n = n*10 + int(c-'0')
	}
	return n >= 10 && n <= 200
}

func extractJudges(text string) []types.ControlJudge {
	var judges []types.ControlJudge
	for _, jr := range judgeRoles {
		m := jr.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		for _, name := range strings.Split(firstLine(m[1]), ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				judges = append(judges, types.ControlJudge{Role: jr.role, Name: name})
			}
		}
	}
	return judges
}

// detectIntroRide checks the red inline marker the calendar uses, then
// falls back to keyword search.
func detectIntroRide(row *goquery.Selection, text string) bool {
	marker := false
	row.Find("span.intro, span.introRide").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(s.Text()), "intro") {
			marker = true
			return false
		}
		return true
	})
	if marker {
		return true
	}

	low := strings.ToLower(text)
	for _, kw := range introKeywords {
		if strings.Contains(low, kw) {
			return true
		}
	}
	return false
}

func extractDescription(row *goquery.Selection) string {
	desc := strings.TrimSpace(row.Find("div.details").First().Text())
	if desc == "" {
		row.Find("p").EachWithBreak(func(_ int, par *goquery.Selection) bool {
			text := strings.TrimSpace(par.Text())
			low := strings.ToLower(text)
			if len(text) > 30 && !strings.Contains(low, "directions") && !strings.Contains(low, "contact") {
				desc = text
				return false
			}
			return true
		})
	}
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}
	return desc
}

func extractDirections(row *goquery.Selection) string {
	if d := strings.TrimSpace(row.Find("div.directions").First().Text()); d != "" {
		return d
	}
	var found string
	row.Find("td, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if len(text) > 20 && strings.Contains(strings.ToLower(text), "directions") && s.Children().Length() == 0 {
			found = strings.TrimSpace(directionsNoiseRe.ReplaceAllString(text, ""))
			return found == ""
		}
		return true
	})
	return found
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

type missingFieldError struct {
	field string
}

func (e *missingFieldError) Error() string {
	return "missing " + e.field
}
