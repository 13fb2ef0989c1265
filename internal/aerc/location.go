package aerc

import (
	"regexp"
	"strings"
)

// canadianProvinces maps two-letter codes to full names. Either form in
// a location string marks the event Canadian.
var canadianProvinces = map[string]string{
	"AB": "Alberta", "BC": "British Columbia", "MB": "Manitoba",
	"NB": "New Brunswick", "NL": "Newfoundland and Labrador",
	"NS": "Nova Scotia", "NT": "Northwest Territories", "NU": "Nunavut",
	"ON": "Ontario", "PE": "Prince Edward Island", "QC": "Quebec",
	"SK": "Saskatchewan", "YT": "Yukon",
}

var usStates = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR",
	"CALIFORNIA": "CA", "COLORADO": "CO", "CONNECTICUT": "CT", "DELAWARE": "DE",
	"FLORIDA": "FL", "GEORGIA": "GA", "HAWAII": "HI", "IDAHO": "ID",
	"ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS",
	"KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD",
	"MASSACHUSETTS": "MA", "MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS",
	"MISSOURI": "MO", "MONTANA": "MT", "NEBRASKA": "NE", "NEVADA": "NV",
	"NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM", "NEW YORK": "NY",
	"NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK",
	"OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI", "SOUTH CAROLINA": "SC",
	"SOUTH DAKOTA": "SD", "TENNESSEE": "TN", "TEXAS": "TX", "UTAH": "UT",
	"VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA", "WEST VIRGINIA": "WV",
	"WISCONSIN": "WI", "WYOMING": "WY",
}

var usStateCodes = func() map[string]bool {
	m := make(map[string]bool, len(usStates))
	for _, code := range usStates {
		m[code] = true
	}
	return m
}()

var stateCountryRe = regexp.MustCompile(`^([A-Za-z]{2})\s+(.+)$`)

// splitLocation breaks a free-text location into city, state/province,
// and country. The last comma segment is the state token, the one
// before it the city; anything earlier is venue text and dropped here
// (the full string stays on the event as location). Country stays empty
// when neither a Canadian province nor a US state is recognized.
func splitLocation(location string) (city, state, country string) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", "", ""
	}

	parts := strings.Split(location, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	// Trailing country segment: "Sonoita, AZ, USA".
	last := parts[len(parts)-1]
	switch {
	case strings.EqualFold(last, "canada"):
		country = "Canada"
		parts = parts[:len(parts)-1]
	case strings.EqualFold(last, "usa"), strings.EqualFold(last, "united states"):
		country = "USA"
		parts = parts[:len(parts)-1]
	}

	if len(parts) == 0 {
		return "", "", country
	}

	token := parts[len(parts)-1]
	// "MB Canada" glued into one segment.
	if m := stateCountryRe.FindStringSubmatch(token); m != nil {
		trailing := m[2]
		if strings.EqualFold(trailing, "canada") {
			country = "Canada"
			token = m[1]
		} else if strings.EqualFold(trailing, "usa") || strings.EqualFold(trailing, "united states") {
			country = "USA"
			token = m[1]
		}
	}

	upper := strings.ToUpper(token)
	switch {
	case len(token) == 2 && canadianProvinces[upper] != "":
		state = upper
		country = "Canada"
	case len(token) == 2 && usStateCodes[upper]:
		state = upper
		if country == "" {
			country = "USA"
		}
	case provinceCode(token) != "":
		state = provinceCode(token)
		country = "Canada"
	case usStates[upper] != "":
		state = usStates[upper]
		if country == "" {
			country = "USA"
		}
	default:
		if len(parts) > 1 {
			state = token
		}
	}

	if len(parts) > 1 {
		city = parts[len(parts)-2]
	}
	return city, state, country
}

func provinceCode(name string) string {
	for code, full := range canadianProvinces {
		if strings.EqualFold(full, name) {
			return code
		}
	}
	return ""
}
