package features

import (
	"fmt"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Column names one canonical model input.
type Column string

const (
	ColSpeed     Column = "speed"
	ColHour      Column = "hour"
	ColDayOfWeek Column = "day_of_week"
	ColWeekend   Column = "is_weekend"
	ColRushHour  Column = "is_rush_hour"
	ColLat       Column = "lat"
	ColLon       Column = "lon"
)

// Canonical input layouts. Models persist the list they were trained on.
var (
	SequenceColumns = []Column{ColSpeed, ColHour, ColDayOfWeek, ColWeekend, ColRushHour}
	GraphColumns    = []Column{ColSpeed, ColHour, ColDayOfWeek, ColWeekend, ColLat, ColLon}
)

// Imputation and padding defaults.
const (
	DefaultSpeed = 25.0
	NeutralHour  = 12
	NeutralDay   = 1
)

// Observation is one time step with every canonical column populated.
type Observation struct {
	Speed      float64 `json:"speed"`
	Hour       int     `json:"hour"`
	DayOfWeek  int     `json:"day_of_week"`
	IsWeekend  bool    `json:"is_weekend"`
	IsRushHour bool    `json:"is_rush_hour"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// NewObservation derives both flags from hour and day.
func NewObservation(speed float64, hour, dayOfWeek int) Observation {
	return Observation{
		Speed:      speed,
		Hour:       hour,
		DayOfWeek:  dayOfWeek,
		IsWeekend:  traffic.IsWeekend(dayOfWeek),
		IsRushHour: traffic.IsRushHour(hour),
	}
}

// ImputedObservation is the node used when a segment has no reading.
func ImputedObservation(lat, lon float64) Observation {
	o := NewObservation(DefaultSpeed, NeutralHour, NeutralDay)
	o.Lat, o.Lon = lat, lon
	return o
}

// Value returns a single column as float64.
func (o Observation) Value(c Column) (float64, error) {
	switch c {
	case ColSpeed:
		return o.Speed, nil
	case ColHour:
		return float64(o.Hour), nil
	case ColDayOfWeek:
		return float64(o.DayOfWeek), nil
	case ColWeekend:
		return boolToFloat(o.IsWeekend), nil
	case ColRushHour:
		return boolToFloat(o.IsRushHour), nil
	case ColLat:
		return o.Lat, nil
	case ColLon:
		return o.Lon, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, c)
	}
}

// Vector projects the observation onto cols. Columns must be validated with
// ValidateColumns first; unknown columns read as zero.
func (o Observation) Vector(cols []Column) []float64 {
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i], _ = o.Value(c)
	}
	return out
}

// ValidateColumns checks that every column is part of the canonical schema.
func ValidateColumns(cols []Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("%w: empty column list", ErrUnknownColumn)
	}
	var probe Observation
	for _, c := range cols {
		if _, err := probe.Value(c); err != nil {
			return err
		}
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
