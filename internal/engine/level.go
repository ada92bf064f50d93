package engine

import "crowdease/internal/model"

const (
	quietCeiling    = 0.33
	moderateCeiling = 0.66
)

// ToNumeric maps a level onto [0,1].
func ToNumeric(level model.CrowdLevel) float64 {
	switch level {
	case model.LevelQuiet:
		return 0
	case model.LevelModerate:
		return 0.5
	case model.LevelBusy:
		return 1
	case model.LevelNone:
		return 0
	}
	return 0
}

// WeightedAverage is Σ(numeric·weight) / Σweight, or 0 for no reports.
func WeightedAverage(reports []model.CrowdReport) float64 {
	var sum, total float64
	for _, r := range reports {
		w := float64(r.Weight)
		sum += ToNumeric(r.Level) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// FromNumeric maps a value back onto a level. Ties go to the lower level.
func FromNumeric(v float64) model.CrowdLevel {
	switch {
	case v <= quietCeiling:
		return model.LevelQuiet
	case v <= moderateCeiling:
		return model.LevelModerate
	default:
		return model.LevelBusy
	}
}
