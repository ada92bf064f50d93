package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CrowdLevel is the qualitative busyness of a store. The zero value means
// no level is known.
type CrowdLevel uint8

const (
	LevelNone CrowdLevel = iota
	LevelQuiet
	LevelModerate
	LevelBusy
)

var AllLevels = []CrowdLevel{LevelQuiet, LevelModerate, LevelBusy}

func (l CrowdLevel) String() string {
	switch l {
	case LevelQuiet:
		return "quiet"
	case LevelModerate:
		return "moderate"
	case LevelBusy:
		return "busy"
	case LevelNone:
		return ""
	}
	return fmt.Sprintf("CrowdLevel(%d)", uint8(l))
}

// Label is the capitalised form used in user-facing messages.
func (l CrowdLevel) Label() string {
	s := l.String()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (l CrowdLevel) Valid() bool {
	return l >= LevelQuiet && l <= LevelBusy
}

func ParseCrowdLevel(value string) (CrowdLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "quiet":
		return LevelQuiet, nil
	case "moderate":
		return LevelModerate, nil
	case "busy":
		return LevelBusy, nil
	}
	return LevelNone, fmt.Errorf("unknown crowd level %q", value)
}

func (l CrowdLevel) MarshalJSON() ([]byte, error) {
	if l == LevelNone {
		return []byte("null"), nil
	}
	if !l.Valid() {
		return nil, fmt.Errorf("marshal invalid crowd level %d", uint8(l))
	}
	return json.Marshal(l.String())
}

func (l *CrowdLevel) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = LevelNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCrowdLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ReportWeight is the confidence attached to a report. Only WeightFull and
// WeightReduced are permitted.
type ReportWeight float64

const (
	WeightFull    ReportWeight = 1.0
	WeightReduced ReportWeight = 0.7
)

func (w ReportWeight) Valid() bool {
	return w == WeightFull || w == WeightReduced
}

// MaxAge is how long a report of this weight is retained.
func (w ReportWeight) MaxAge() time.Duration {
	if w == WeightFull {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// CrowdReport is a single user observation. It is immutable once built.
type CrowdReport struct {
	ID        string       `json:"id"`
	StoreID   string       `json:"storeId"`
	Level     CrowdLevel   `json:"crowdLevel"`
	Timestamp time.Time    `json:"-"`
	Weight    ReportWeight `json:"reportWeight"`
	DayOfWeek int          `json:"dayOfWeek"`
	HourOfDay int          `json:"hourOfDay"`
	Channel   string       `json:"channel,omitempty"`
}

func (r CrowdReport) MarshalJSON() ([]byte, error) {
	type plain CrowdReport
	return json.Marshal(struct {
		plain
		TimestampMS int64 `json:"timestamp"`
	}{plain(r), r.Timestamp.UnixMilli()})
}

func (r *CrowdReport) UnmarshalJSON(data []byte) error {
	type plain CrowdReport
	var aux struct {
		plain
		TimestampMS int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = CrowdReport(aux.plain)
	r.Timestamp = time.UnixMilli(aux.TimestampMS)
	return nil
}

// HistoricalPattern aggregates all reports of one (store, weekday, hour) bucket.
type HistoricalPattern struct {
	StoreID           string    `json:"storeId"`
	DayOfWeek         int       `json:"dayOfWeek"`
	HourOfDay         int       `json:"hourOfDay"`
	AverageCrowdLevel float64   `json:"averageCrowdLevel"`
	ReportCount       int       `json:"reportCount"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

type PatternKey struct {
	StoreID   string
	DayOfWeek int
	HourOfDay int
}

func (p HistoricalPattern) Key() PatternKey {
	return PatternKey{StoreID: p.StoreID, DayOfWeek: p.DayOfWeek, HourOfDay: p.HourOfDay}
}

type Source string

const (
	SourceRealTime   Source = "real-time"
	SourceHistorical Source = "historical"
	SourceNone       Source = "none"
)

// CrowdData is the resolved, display-ready view for one store.
type CrowdData struct {
	Level       CrowdLevel `json:"level"`
	Source      Source     `json:"source"`
	LastUpdated *time.Time `json:"-"`
	Message     string     `json:"message"`
}

func (d CrowdData) MarshalJSON() ([]byte, error) {
	var last *int64
	if d.LastUpdated != nil {
		ms := d.LastUpdated.UnixMilli()
		last = &ms
	}
	return json.Marshal(struct {
		Level       CrowdLevel `json:"level"`
		Source      Source     `json:"source"`
		LastUpdated *int64     `json:"lastUpdated"`
		Message     string     `json:"message"`
	}{d.Level, d.Source, last, d.Message})
}

// Submission is a raw crowd report as received from a channel. Level and
// coordinates are untyped; normalization rejects a level that is not one of
// the known names and coordinates that are not numbers.
type Submission struct {
	StoreID   string    `json:"storeId"`
	Level     any       `json:"level"`
	Location  *Location `json:"location"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

type Location struct {
	Lat any `json:"lat"`
	Lng any `json:"lng"`
	Lon any `json:"lon,omitempty"`
}

// Longitude returns lng, falling back to lon.
func (l Location) Longitude() any {
	if l.Lng != nil {
		return l.Lng
	}
	return l.Lon
}

// Channel describes where a submission came from and the weight its
// reports carry.
type Channel struct {
	Name    string
	Reduced bool
	// Trusted channels may carry their own observation timestamp.
	Trusted bool
}

func (c Channel) Weight() ReportWeight {
	if c.Reduced {
		return WeightReduced
	}
	return WeightFull
}

type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

type Address struct {
	Street     string `json:"street" yaml:"street"`
	City       string `json:"city" yaml:"city"`
	PostalCode string `json:"postalCode" yaml:"postal_code"`
}

type DayHours struct {
	Open  string `json:"open" yaml:"open"`
	Close string `json:"close" yaml:"close"`
}

// OpeningHours is indexed by weekday, Sunday first. A nil entry means closed.
type OpeningHours [7]*DayHours

var weekdayKeys = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

func (h OpeningHours) MarshalJSON() ([]byte, error) {
	out := make(map[string]*DayHours, len(weekdayKeys))
	for i, key := range weekdayKeys {
		out[key] = h[i]
	}
	return json.Marshal(out)
}

func (h *OpeningHours) UnmarshalJSON(data []byte) error {
	var in map[string]*DayHours
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	return h.fromMap(in)
}

func (h *OpeningHours) UnmarshalYAML(value *yaml.Node) error {
	var in map[string]*DayHours
	if err := value.Decode(&in); err != nil {
		return err
	}
	return h.fromMap(in)
}

func (h *OpeningHours) fromMap(in map[string]*DayHours) error {
	var out OpeningHours
	for key, hours := range in {
		idx := -1
		for i, k := range weekdayKeys {
			if strings.EqualFold(strings.TrimSpace(key), k) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("unknown weekday %q in opening hours", key)
		}
		out[idx] = hours
	}
	*h = out
	return nil
}

type Store struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Type         string        `json:"type" yaml:"type"`
	Address      Address       `json:"address" yaml:"address"`
	Coordinates  Coordinates   `json:"coordinates" yaml:"coordinates"`
	OpeningHours *OpeningHours `json:"openingHours,omitempty" yaml:"opening_hours,omitempty"`
}
