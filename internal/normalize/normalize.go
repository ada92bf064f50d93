package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"crowdease/internal/model"
)

type Options struct {
	Now           time.Time
	Location      *time.Location
	Channel       model.Channel
	MaxFutureSkew time.Duration
}

// Normalize validates a raw submission and builds the report it describes.
// The returned report has no ID yet.
func Normalize(sub model.Submission, opts Options) (model.CrowdReport, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	storeID := strings.TrimSpace(sub.StoreID)
	levelText, isText := sub.Level.(string)
	switch {
	case storeID == "":
		return model.CrowdReport{}, invalid(model.CategoryMissingFields, "storeId", "storeId is required")
	case sub.Level == nil, isText && strings.TrimSpace(levelText) == "":
		return model.CrowdReport{}, invalid(model.CategoryMissingFields, "level", "level is required")
	case sub.Location == nil:
		return model.CrowdReport{}, invalid(model.CategoryMissingFields, "location", "location is required")
	}

	level, err := model.ParseCrowdLevel(levelText)
	if !isText || err != nil {
		return model.CrowdReport{}, invalid(model.CategoryInvalidCrowdLevel, "level",
			fmt.Sprintf("level must be one of quiet, moderate, busy; got %q", fmt.Sprint(sub.Level)))
	}

	if err := ValidateCoordinates(sub.Location.Lat, sub.Location.Longitude()); err != nil {
		return model.CrowdReport{}, err
	}

	ts := now
	if opts.Channel.Trusted && strings.TrimSpace(sub.Timestamp) != "" {
		parsed, err := ParseTimestamp(sub.Timestamp, loc)
		if err != nil {
			return model.CrowdReport{}, invalid(model.CategoryInvalidTimestamp, "timestamp", err.Error())
		}
		if parsed.Sub(now) > opts.MaxFutureSkew {
			return model.CrowdReport{}, invalid(model.CategoryInvalidTimestamp, "timestamp", "timestamp is in the future")
		}
		ts = parsed
	}

	local := ts.In(loc)
	return model.CrowdReport{
		StoreID:   storeID,
		Level:     level,
		Timestamp: ts,
		Weight:    opts.Channel.Weight(),
		DayOfWeek: int(local.Weekday()),
		HourOfDay: local.Hour(),
		Channel:   opts.Channel.Name,
	}, nil
}

// ValidateCoordinates accepts numeric lat in [-90,90] and lng in [-180,180].
func ValidateCoordinates(lat, lng any) error {
	la, ok := numeric(lat)
	if !ok || la < -90 || la > 90 {
		return invalid(model.CategoryInvalidCoords, "location.lat", "lat must be a number between -90 and 90")
	}
	lo, ok := numeric(lng)
	if !ok || lo < -180 || lo > 180 {
		return invalid(model.CategoryInvalidCoords, "location.lng", "lng must be a number between -180 and 180")
	}
	return nil
}

func numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func invalid(category, field, message string) error {
	return &model.ValidationError{Category: category, Field: field, Message: message}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds and the layouts
// above. Layouts without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
