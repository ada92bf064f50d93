package directory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdease/internal/model"
)

func parseClock(value string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return h*60 + m, nil
}

func validateHours(h model.OpeningHours) error {
	for _, day := range h {
		if day == nil {
			continue
		}
		if _, err := parseClock(day.Open); err != nil {
			return err
		}
		if _, err := parseClock(day.Close); err != nil {
			return err
		}
	}
	return nil
}

func span(day *model.DayHours) (open, close int, ok bool) {
	if day == nil {
		return 0, 0, false
	}
	o, err := parseClock(day.Open)
	if err != nil {
		return 0, 0, false
	}
	c, err := parseClock(day.Close)
	if err != nil {
		return 0, 0, false
	}
	return o, c, true
}

// IsOpen reports whether a store with hours is open at t. Unknown hours
// count as open. A close time before the open time runs past midnight, and
// such a span still applies on the morning of the next day.
func IsOpen(hours *model.OpeningHours, t time.Time) bool {
	if hours == nil {
		return true
	}
	day := int(t.Weekday())
	now := t.Hour()*60 + t.Minute()

	if open, close, ok := span(hours[day]); ok {
		if open < close {
			if now >= open && now <= close {
				return true
			}
		} else if now >= open || now <= close {
			return true
		}
	}

	if t.Hour() < 12 {
		if open, close, ok := span(hours[(day+6)%7]); ok && close < open && now <= close {
			return true
		}
	}
	return false
}

// TodayHours renders the opening hours of the weekday of t.
func TodayHours(hours *model.OpeningHours, t time.Time) string {
	if hours == nil {
		return "Opening hours unknown"
	}
	day := hours[t.Weekday()]
	if day == nil {
		return "Closed today"
	}
	return day.Open + " - " + day.Close
}

// DefaultOpeningHours returns typical hours for a store type.
func DefaultOpeningHours(storeType string) model.OpeningHours {
	week := func(open, close, satClose string, sunday *model.DayHours) model.OpeningHours {
		var h model.OpeningHours
		for d := time.Monday; d <= time.Friday; d++ {
			h[d] = &model.DayHours{Open: open, Close: close}
		}
		h[time.Saturday] = &model.DayHours{Open: open, Close: satClose}
		h[time.Sunday] = sunday
		return h
	}
	switch strings.ToLower(strings.TrimSpace(storeType)) {
	case "supermarkt", "supermarket":
		return week("08:00", "20:00", "20:00", &model.DayHours{Open: "09:00", Close: "18:00"})
	case "bakkerij", "bakery":
		return week("07:00", "18:00", "17:00", nil)
	}
	return week("09:00", "18:00", "17:00", nil)
}
