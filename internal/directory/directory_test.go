package directory

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crowdease/internal/model"
)

const storesYAML = `
stores:
  - id: colruyt-gent
    name: Colruyt Gent
    type: Supermarkt
    address:
      street: Kortrijksesteenweg 1
      city: Gent
      postal_code: "9000"
    coordinates: {lat: 51.0543, lng: 3.7174}
  - id: nachtwinkel
    name: Nachtwinkel Overpoort
    type: Nachtwinkel
    coordinates: {lat: 51.0400, lng: 3.7270}
    opening_hours:
      friday: {open: "18:00", close: "04:00"}
      saturday: {open: "18:00", close: "04:00"}
  - id: delhaize-brussel
    name: Delhaize Brussel
    type: Supermarkt
    coordinates: {lat: 50.8503, lng: 4.3517}
`

func loadTestDirectory(t *testing.T) *Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stores.yaml")
	if err := os.WriteFile(path, []byte(storesYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return d
}

func TestLoadAndByID(t *testing.T) {
	d := loadTestDirectory(t)
	if d.Len() != 3 {
		t.Fatalf("expected 3 stores, got %d", d.Len())
	}
	s, err := d.ByID("colruyt-gent")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if s.Address.PostalCode != "9000" || s.OpeningHours == nil || s.OpeningHours[time.Sunday] == nil {
		t.Fatalf("unexpected store %+v", s)
	}
	if _, err := d.ByID("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadJSONList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.json")
	content := `[{"id":"a","name":"A","type":"Bakkerij","coordinates":{"lat":51,"lng":3.7}}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s, _ := d.ByID("a")
	if s.OpeningHours[time.Sunday] != nil || s.OpeningHours[time.Saturday].Close != "17:00" {
		t.Fatalf("expected bakery default hours, got %+v", s.OpeningHours)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]model.Store{{ID: "a"}, {ID: "a"}})
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestHaversine(t *testing.T) {
	gent := model.Coordinates{Lat: 51.0543, Lng: 3.7174}
	brussels := model.Coordinates{Lat: 50.8503, Lng: 4.3517}
	if d := Haversine(gent, gent); d != 0 {
		t.Fatalf("identical points must be exactly 0, got %v", d)
	}
	ab, ba := Haversine(gent, brussels), Haversine(brussels, gent)
	if math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("distance not symmetric: %v vs %v", ab, ba)
	}
	if ab < 48 || ab > 52 {
		t.Fatalf("Gent-Brussels should be about 50 km, got %v", ab)
	}
}

func TestNearbySortedWithinRadius(t *testing.T) {
	d := loadTestDirectory(t)
	got := d.Nearby(51.0500, 3.7200, 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 stores within 5 km, got %d", len(got))
	}
	if got[0].Store.ID != "colruyt-gent" || got[1].Store.ID != "nachtwinkel" {
		t.Fatalf("unexpected order %s, %s", got[0].Store.ID, got[1].Store.ID)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("results not sorted by distance")
	}
	if all := d.Nearby(51.05, 3.72, 100); len(all) != 3 {
		t.Fatalf("expected all stores within 100 km, got %d", len(all))
	}
}

func at(day time.Weekday, hour, minute int) time.Time {
	// 2024-01-14 is a Sunday.
	return time.Date(2024, 1, 14+int(day), hour, minute, 0, 0, time.UTC)
}

func TestIsOpenRegularHours(t *testing.T) {
	hours := DefaultOpeningHours("Supermarkt")
	cases := []struct {
		t    time.Time
		want bool
	}{
		{at(time.Monday, 7, 59), false},
		{at(time.Monday, 8, 0), true},
		{at(time.Monday, 20, 0), true},
		{at(time.Monday, 20, 1), false},
		{at(time.Sunday, 10, 0), true},
		{at(time.Sunday, 18, 30), false},
	}
	for _, tc := range cases {
		if got := IsOpen(&hours, tc.t); got != tc.want {
			t.Errorf("IsOpen(%s) = %v, want %v", tc.t.Format("Mon 15:04"), got, tc.want)
		}
	}
	if !IsOpen(nil, at(time.Sunday, 3, 0)) {
		t.Fatalf("unknown hours count as open")
	}
}

func TestIsOpenOvernight(t *testing.T) {
	var hours model.OpeningHours
	hours[time.Friday] = &model.DayHours{Open: "18:00", Close: "04:00"}
	cases := []struct {
		t    time.Time
		want bool
	}{
		{at(time.Friday, 17, 0), false},
		{at(time.Friday, 23, 30), true},
		{at(time.Friday, 2, 0), true},
		{at(time.Saturday, 3, 59), true},
		{at(time.Saturday, 4, 1), false},
		{at(time.Saturday, 20, 0), false},
	}
	for _, tc := range cases {
		if got := IsOpen(&hours, tc.t); got != tc.want {
			t.Errorf("IsOpen(%s) = %v, want %v", tc.t.Format("Mon 15:04"), got, tc.want)
		}
	}
}

func TestTodayHours(t *testing.T) {
	hours := DefaultOpeningHours("other")
	if got := TodayHours(&hours, at(time.Tuesday, 10, 0)); got != "09:00 - 18:00" {
		t.Fatalf("unexpected hours %q", got)
	}
	if got := TodayHours(&hours, at(time.Sunday, 10, 0)); got != "Closed today" {
		t.Fatalf("unexpected hours %q", got)
	}
	if got := TodayHours(nil, at(time.Sunday, 10, 0)); got != "Opening hours unknown" {
		t.Fatalf("unexpected hours %q", got)
	}
}
