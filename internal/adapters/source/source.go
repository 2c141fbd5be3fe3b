// Package source reads raw traffic records and road segments from CSV files
// or a Postgres table.
package source

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Source yields the raw records a training run is built from.
type Source interface {
	Records(ctx context.Context) ([]traffic.TrafficRecord, error)
}

// Column names shared by the CSV header and the Postgres table.
const (
	colSegmentID  = "segment_id"
	colTimestamp  = "timestamp"
	colHour       = "hour"
	colDayOfWeek  = "day_of_week"
	colMonth      = "month"
	colSpeed      = "speed_mph"
	colStartLat   = "start_lat"
	colStartLon   = "start_lon"
	colEndLat     = "end_lat"
	colEndLon     = "end_lon"
	colIsWeekend  = "is_weekend"
	colIsRushHour = "is_rush_hour"
)

var (
	recordColumns = []string{
		colSegmentID, colTimestamp, colHour, colDayOfWeek, colMonth, colSpeed,
		colStartLat, colStartLon, colEndLat, colEndLon,
	}
	segmentColumns = []string{colSegmentID, colStartLat, colStartLon, colEndLat, colEndLon}
)

// violation names the offending line and column.
func violation(line int, column, format string, args ...any) error {
	return fmt.Errorf("%w: line %d column %q: %s", ErrSchemaViolation, line, column, fmt.Sprintf(format, args...))
}

// checkRecord enforces value ranges on a fully parsed record.
func checkRecord(line int, r *traffic.TrafficRecord) error {
	switch {
	case r.Hour < 0 || r.Hour > 23:
		return violation(line, colHour, "%d outside [0,23]", r.Hour)
	case r.DayOfWeek < 0 || r.DayOfWeek > 6:
		return violation(line, colDayOfWeek, "%d outside [0,6]", r.DayOfWeek)
	case r.Month < 1 || r.Month > 12:
		return violation(line, colMonth, "%d outside [1,12]", r.Month)
	case math.IsNaN(r.Speed) || math.IsInf(r.Speed, 0) || r.Speed < 0:
		return violation(line, colSpeed, "%v is not a non-negative speed", r.Speed)
	}
	return checkSegment(line, r.Segment())
}

func checkSegment(line int, s traffic.Segment) error {
	for _, c := range []struct {
		name  string
		value float64
		limit float64
	}{
		{colStartLat, s.StartLat, 90},
		{colStartLon, s.StartLon, 180},
		{colEndLat, s.EndLat, 90},
		{colEndLon, s.EndLon, 180},
	} {
		if math.IsNaN(c.value) || math.Abs(c.value) > c.limit {
			return violation(line, c.name, "%v outside [-%v,%v]", c.value, c.limit, c.limit)
		}
	}
	return nil
}
