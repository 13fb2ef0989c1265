package types

import (
	"reflect"
	"testing"
)

func TestMergeDetailsSrcWins(t *testing.T) {
	dst := map[string]any{"directions": "old", "custom": "keep"}
	src := map[string]any{"directions": "new", "amenities": "water"}

	got := MergeDetails(dst, src, true)
	want := map[string]any{"directions": "new", "custom": "keep", "amenities": "water"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if dst["directions"] != "old" {
		t.Error("input mutated")
	}
}

func TestMergeDetailsDstWins(t *testing.T) {
	dst := map[string]any{"directions": "old"}
	src := map[string]any{"directions": "new", "hazards": "cliffs"}

	got := MergeDetails(dst, src, false)
	if got["directions"] != "old" || got["hazards"] != "cliffs" {
		t.Errorf("got %v", got)
	}
}

func TestMergeDetailsNested(t *testing.T) {
	dst := map[string]any{"coordinates": map[string]any{"latitude": 1.0}}
	src := map[string]any{"coordinates": map[string]any{"longitude": 2.0}}

	got := MergeDetails(dst, src, true)
	coords, ok := got["coordinates"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %v", got)
	}
	if coords["latitude"] != 1.0 || coords["longitude"] != 2.0 {
		t.Errorf("coords = %v", coords)
	}
}

func TestMergeDetailsNil(t *testing.T) {
	if got := MergeDetails(nil, nil, true); got != nil {
		t.Errorf("nil inputs should stay nil, got %v", got)
	}
	if got := MergeDetails(nil, map[string]any{"k": "v"}, true); got["k"] != "v" {
		t.Errorf("got %v", got)
	}
}
