package types

import (
	"errors"
	"testing"
	"time"
)

func TestSyntheticRideIDDeterministic(t *testing.T) {
	d := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	a := SyntheticRideID("AERC", "Old Pueblo", &d, "Sonoita, AZ")
	b := SyntheticRideID("AERC", "Old Pueblo", &d, "Sonoita, AZ")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}

	// Case and surrounding whitespace must not fork identity.
	c := SyntheticRideID("aerc", "  OLD PUEBLO ", &d, "sonoita, az")
	if a != c {
		t.Errorf("case/whitespace variant forked identity: %s vs %s", a, c)
	}
}

func TestSyntheticRideIDDistinguishes(t *testing.T) {
	d1 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)

	a := SyntheticRideID("AERC", "Old Pueblo", &d1, "Sonoita, AZ")
	b := SyntheticRideID("AERC", "Old Pueblo", &d2, "Sonoita, AZ")
	if a == b {
		t.Error("different dates must yield different ids")
	}

	c := SyntheticRideID("AERC", "Old Pueblo", nil, "Sonoita, AZ")
	if a == c {
		t.Error("nil date must yield a different id than a set date")
	}
}

func TestSyntheticRideIDVersioned(t *testing.T) {
	id := SyntheticRideID("AERC", "x", nil, "y")
	if want := "syn-v1-"; len(id) < len(want) || id[:len(want)] != want {
		t.Errorf("id %q missing version prefix %q", id, want)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&FetchError{URL: "u", Kind: FetchTimeout}, "FETCH_timeout"},
		{&StructuralError{URL: "u", Reason: "no container"}, "PARSE_STRUCTURAL"},
		{&RowParseError{URL: "u", Index: 3, Err: errors.New("bad")}, "PARSE_ROW"},
		{&ValidationError{Identity: "AERC/1", Field: "date_end"}, "VALIDATE"},
		{&GeocodeError{Query: "q", Kind: GeocodeNotFound}, "GEOCODE_not_found"},
		{&ConfigError{Option: "database_url", Reason: "missing"}, "CONFIG"},
		{errors.New("plain"), "INTERNAL"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%T) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestGeocodeErrorPermanence(t *testing.T) {
	if !(&GeocodeError{Kind: GeocodeNotFound}).Permanent() {
		t.Error("not_found should be permanent")
	}
	if !(&GeocodeError{Kind: GeocodeAmbiguous}).Permanent() {
		t.Error("ambiguous should be permanent")
	}
	if (&GeocodeError{Kind: GeocodeTimeout}).Permanent() {
		t.Error("timeout should be retriable")
	}
}

func TestEventDetailAccessors(t *testing.T) {
	e := &Event{}
	if got := e.DetailString(DetailDirections); got != "" {
		t.Errorf("empty details: got %q", got)
	}
	e.SetDetail(DetailDirections, "exit 42, follow signs")
	if got := e.DetailString(DetailDirections); got != "exit 42, follow signs" {
		t.Errorf("got %q", got)
	}
	e.SetDetail("source_specific_blob", map[string]any{"k": "v"})
	if got := e.DetailString("source_specific_blob"); got != "" {
		t.Errorf("non-string value should read as empty, got %q", got)
	}
}
