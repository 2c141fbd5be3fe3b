// Package traffic holds the raw record and segment types shared by the
// feature pipeline, the models and the serving layer.
package traffic

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EarthRadiusKM is the mean Earth radius used for haversine distances.
const EarthRadiusKM = 6371.0

// TrafficRecord is one observed speed for a segment at an hourly timestamp.
// DayOfWeek uses Monday=0 .. Sunday=6.
type TrafficRecord struct {
	SegmentID  int       `json:"segment_id"`
	Timestamp  time.Time `json:"timestamp"`
	Hour       int       `json:"hour"`
	DayOfWeek  int       `json:"day_of_week"`
	Month      int       `json:"month"`
	Speed      float64   `json:"speed_mph"`
	StartLat   float64   `json:"start_lat"`
	StartLon   float64   `json:"start_lon"`
	EndLat     float64   `json:"end_lat"`
	EndLon     float64   `json:"end_lon"`
	IsWeekend  bool      `json:"is_weekend"`
	IsRushHour bool      `json:"is_rush_hour"`
}

// Segment is a directed road sub-unit identified by id and two endpoints.
type Segment struct {
	ID       int     `json:"segment_id"`
	StartLat float64 `json:"start_lat"`
	StartLon float64 `json:"start_lon"`
	EndLat   float64 `json:"end_lat"`
	EndLon   float64 `json:"end_lon"`
}

// Center returns the midpoint of the segment in degrees.
func (s Segment) Center() (lat, lon float64) {
	return (s.StartLat + s.EndLat) / 2, (s.StartLon + s.EndLon) / 2
}

// LengthKM returns the great-circle length between the two endpoints.
func (s Segment) LengthKM() float64 {
	return Haversine(s.StartLat, s.StartLon, s.EndLat, s.EndLon)
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Segment extracts the geometry carried on a record.
func (r TrafficRecord) Segment() Segment {
	return Segment{ID: r.SegmentID, StartLat: r.StartLat, StartLon: r.StartLon, EndLat: r.EndLat, EndLon: r.EndLon}
}

// IsRushHour reports whether hour is in the fixed congestion set {7,8,9,17,18,19}.
func IsRushHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)
}

// IsWeekend reports whether a Monday=0 day index is Saturday or Sunday.
func IsWeekend(dayOfWeek int) bool {
	return dayOfWeek >= 5
}

// DayOfWeek converts a time to the Monday=0 convention used in records.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// TimeOfDay buckets an hour into morning, afternoon, evening or night.
func TimeOfDay(hour int) string {
	switch {
	case hour >= 6 && hour <= 11:
		return "morning"
	case hour >= 12 && hour <= 17:
		return "afternoon"
	case hour >= 18 && hour <= 22:
		return "evening"
	default:
		return "night"
	}
}

// ModelType names one of the two served model families.
type ModelType string

const (
	Sequence ModelType = "sequence"
	Graph    ModelType = "graph"
)

// ModelTypes lists every known model type in a stable order.
var ModelTypes = []ModelType{Sequence, Graph}

// ParseModelType accepts the canonical names and the "lstm"/"gnn" aliases.
func ParseModelType(s string) (ModelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequence", "lstm":
		return Sequence, nil
	case "graph", "gnn":
		return Graph, nil
	default:
		return "", fmt.Errorf("unknown model type %q", s)
	}
}

func (m ModelType) String() string { return string(m) }
