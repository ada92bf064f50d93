package engine

import (
	"fmt"
	"time"

	"crowdease/internal/model"
)

const noDataMessage = "No crowd information available"

// ResolveCrowdData picks the displayed crowd level for storeID. Real-time
// reports win over the historical pattern, which wins over nothing. The
// pattern is only used when it matches the weekday and hour of now in loc.
func ResolveCrowdData(storeID string, now time.Time, reports []model.CrowdReport, pattern *model.HistoricalPattern, loc *time.Location) model.CrowdData {
	if loc == nil {
		loc = time.Local
	}
	if w := NewRecentWindow(storeID, now, RealTimeWindow, reports); !w.Empty() {
		level := w.Level()
		latest := w.Latest()
		return model.CrowdData{
			Level:       level,
			Source:      model.SourceRealTime,
			LastUpdated: &latest,
			Message:     fmt.Sprintf("%s - %s", level.Label(), TimeAgo(latest, now)),
		}
	}
	local := now.In(loc)
	if pattern != nil &&
		pattern.StoreID == storeID &&
		pattern.DayOfWeek == int(local.Weekday()) &&
		pattern.HourOfDay == local.Hour() &&
		pattern.ReportCount >= MinPatternReports {
		level := FromNumeric(pattern.AverageCrowdLevel)
		return model.CrowdData{
			Level:   level,
			Source:  model.SourceHistorical,
			Message: historicalMessage(level, local.Weekday(), local.Hour(), pattern.ReportCount),
		}
	}
	return model.CrowdData{Source: model.SourceNone, Message: noDataMessage}
}

func historicalMessage(level model.CrowdLevel, day time.Weekday, hour, count int) string {
	return fmt.Sprintf("Usually %s on %s between %02d:00-%02d:00 (%d reports)",
		level, day, hour, (hour+1)%24, count)
}

// TimeAgo renders the distance between ts and now as a relative phrase.
func TimeAgo(ts, now time.Time) string {
	seconds := int(now.Sub(ts) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return plural(seconds, "second")
	case seconds < 120:
		return "1 minute ago"
	case seconds < 3600:
		return plural(seconds/60, "minute")
	case seconds < 7200:
		return "1 hour ago"
	case seconds < 86400:
		return plural(seconds/3600, "hour")
	}
	return plural(seconds/86400, "day")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
