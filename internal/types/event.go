package types

import (
	"time"
)

// SourceAERC identifies events harvested from the AERC calendar.
const SourceAERC = "AERC"

// Distance is a single ride distance offering, as listed by the source.
// Multi-day rides repeat the same label on different dates on purpose.
type Distance struct {
	Label     string `json:"distance"`
	Date      string `json:"date,omitempty"`
	StartTime string `json:"start_time,omitempty"`
}

// ControlJudge is a judging official attached to an event.
type ControlJudge struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// Contact holds ride manager contact details.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Event is the canonical, source-agnostic event record persisted by the
// pipeline. Identity is the (Source, RideID) pair; when the source omits a
// ride id the normalizer derives a synthetic one (see SyntheticRideID).
type Event struct {
	ID     int64  `db:"id"`
	Source string `db:"source"`
	RideID string `db:"ride_id"`

	Name         string    `db:"name"`
	Description  string    `db:"description"`
	DateStart    time.Time `db:"date_start"`
	DateEnd      time.Time `db:"date_end"`
	Location     string    `db:"location"`
	City         string    `db:"city"`
	State        string    `db:"state"`
	Country      string    `db:"country"`
	Region       string    `db:"region"`
	Organization string    `db:"organization"`

	Distances      []Distance     `db:"-"`
	RideManager    string         `db:"ride_manager"`
	ManagerContact Contact        `db:"-"`
	ControlJudges  []ControlJudge `db:"-"`

	WebsiteURL string `db:"website_url"`
	FlyerURL   string `db:"flyer_url"`
	MapLink    string `db:"map_link"`

	IsMultiDayEvent bool `db:"is_multi_day_event"`
	IsPioneerRide   bool `db:"is_pioneer_ride"`
	RideDays        int  `db:"ride_days"`
	HasIntroRide    bool `db:"has_intro_ride"`
	IsCanceled      bool `db:"is_canceled"`

	Latitude           *float64 `db:"latitude"`
	Longitude          *float64 `db:"longitude"`
	GeocodingAttempted bool     `db:"geocoding_attempted"`

	LastWebsiteCheckAt *time.Time `db:"last_website_check_at"`

	// EventDetails is the open map for source-specific fields. Keys the
	// system recognizes have typed accessors below; unknown keys are
	// preserved on every write.
	EventDetails map[string]any `db:"-"`
	Notes        string         `db:"notes"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Identity returns the (source, ride_id) pair as a single comparable key.
func (e *Event) Identity() string {
	return e.Source + "/" + e.RideID
}

// HasCoordinates reports whether both latitude and longitude are set.
func (e *Event) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Recognized event_details keys. Unknown keys round-trip untouched.
const (
	DetailDirections       = "directions"
	DetailAmenities        = "amenities"
	DetailHazards          = "hazards"
	DetailVeterinarians    = "veterinarians"
	DetailRegistrationInfo = "registration_info"
	DetailCostInfo         = "cost_info"
	DetailRequirements     = "requirements"
	DetailHighlights       = "highlights"
	DetailCoordinates      = "coordinates"
	DetailLocationDetails  = "location_details"
)

// DetailString returns the string value for a recognized details key, or ""
// when absent or of another type.
func (e *Event) DetailString(key string) string {
	if e.EventDetails == nil {
		return ""
	}
	s, _ := e.EventDetails[key].(string)
	return s
}

// SetDetail writes a details key, allocating the map on first use.
func (e *Event) SetDetail(key string, value any) {
	if e.EventDetails == nil {
		e.EventDetails = make(map[string]any)
	}
	e.EventDetails[key] = value
}

// RawEvent is the parser's per-row output: a permissive superset of Event
// that tolerates missing or ambiguous fields. Multi-day rides appear as one
// RawEvent per day until the normalizer merges them. Never persisted.
type RawEvent struct {
	Source string
	RideID string

	Name        string
	Description string
	Directions  string

	// DateStart is nil when the row's date could not be parsed; such rows
	// are flagged invalid but still emitted.
	DateStart *time.Time
	DateEnd   *time.Time

	Location string
	City     string
	State    string
	Country  string
	Region   string

	Distances      []Distance
	RideManager    string
	ManagerContact Contact
	ControlJudges  []ControlJudge

	WebsiteURL string
	FlyerURL   string
	MapLink    string

	Latitude  *float64
	Longitude *float64

	HasIntroRide bool
	IsCanceled   bool

	// Invalid marks rows that failed a per-row extraction contract but
	// were emitted anyway (e.g. unparseable date).
	Invalid       bool
	InvalidReason string
}
