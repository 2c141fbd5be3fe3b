package features

import (
	"github.com/okian/speedcast/internal/domain/traffic"
)

// NumLags is the number of lag horizons carried on every row.
const NumLags = 6

// LagHorizons are the positional look-backs, in rows, for lag features.
var LagHorizons = [NumLags]int{1, 2, 3, 6, 12, 24}

// RollingWindow is the number of preceding rows used for rolling statistics.
const RollingWindow = 24

// FeatureRow is a record enriched with leak-free temporal features and
// descriptive segment statistics. Lag and rolling values only ever use rows
// strictly before this one; nil means not enough history.
type FeatureRow struct {
	traffic.TrafficRecord

	TimeOfDay string `json:"time_of_day"`

	Lags [NumLags]*float64 `json:"lags"`

	RollingMean *float64 `json:"rolling_mean,omitempty"`
	RollingStd  *float64 `json:"rolling_std,omitempty"`
	RollingMin  *float64 `json:"rolling_min,omitempty"`
	RollingMax  *float64 `json:"rolling_max,omitempty"`

	SegmentMeanSpeed    float64 `json:"segment_mean_speed"`
	SegmentStdSpeed     float64 `json:"segment_std_speed"`
	SegmentObservations int     `json:"segment_observations"`
	SegmentLengthKM     float64 `json:"segment_length_km"`
}

// Lag returns the lag feature for horizon h, if present.
func (r FeatureRow) Lag(h int) (float64, bool) {
	for i, horizon := range LagHorizons {
		if horizon == h && r.Lags[i] != nil {
			return *r.Lags[i], true
		}
	}
	return 0, false
}

// HasCompleteLags reports whether every lag horizon is populated.
func (r FeatureRow) HasCompleteLags() bool {
	for _, l := range r.Lags {
		if l == nil {
			return false
		}
	}
	return true
}

// Observation projects the row onto the canonical schema, anchored at the
// segment start point.
func (r FeatureRow) Observation() Observation {
	return Observation{
		Speed:      r.Speed,
		Hour:       r.Hour,
		DayOfWeek:  r.DayOfWeek,
		IsWeekend:  r.IsWeekend,
		IsRushHour: r.IsRushHour,
		Lat:        r.StartLat,
		Lon:        r.StartLon,
	}
}

// GroupBySegment splits rows sorted by (segment, timestamp) into contiguous
// per-segment runs.
func GroupBySegment(rows []FeatureRow) [][]FeatureRow {
	var groups [][]FeatureRow
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || rows[i].SegmentID != rows[start].SegmentID {
			groups = append(groups, rows[start:i])
			start = i
		}
	}
	return groups
}

func ptr(v float64) *float64 { return &v }
