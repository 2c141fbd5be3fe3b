package features

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// DataStats summarizes a raw record set.
type DataStats struct {
	TotalRecords   int       `json:"total_records"`
	UniqueSegments int       `json:"unique_segments"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	SpeedMean      float64   `json:"speed_mean"`
	SpeedStd       float64   `json:"speed_std"`
	SpeedMin       float64   `json:"speed_min"`
	SpeedMax       float64   `json:"speed_max"`
}

// ComputeStats returns dataset-level statistics. An empty input yields the
// zero value.
func ComputeStats(records []traffic.TrafficRecord) DataStats {
	if len(records) == 0 {
		return DataStats{}
	}
	speeds := make([]float64, len(records))
	segments := make(map[int]struct{})
	s := DataStats{TotalRecords: len(records), Start: records[0].Timestamp, End: records[0].Timestamp}
	for i, r := range records {
		speeds[i] = r.Speed
		segments[r.SegmentID] = struct{}{}
		if r.Timestamp.Before(s.Start) {
			s.Start = r.Timestamp
		}
		if r.Timestamp.After(s.End) {
			s.End = r.Timestamp
		}
	}
	s.UniqueSegments = len(segments)
	s.SpeedMean = stat.Mean(speeds, nil)
	if len(speeds) > 1 {
		s.SpeedStd = stat.StdDev(speeds, nil)
	}
	s.SpeedMin = floats.Min(speeds)
	s.SpeedMax = floats.Max(speeds)
	return s
}

// SegmentsFromRecords derives one Segment per id from the geometry on the
// first record seen for it, ordered by id.
func SegmentsFromRecords(records []traffic.TrafficRecord) []traffic.Segment {
	seen := make(map[int]bool)
	var out []traffic.Segment
	for _, r := range records {
		if seen[r.SegmentID] {
			continue
		}
		seen[r.SegmentID] = true
		out = append(out, r.Segment())
	}
	sortSegments(out)
	return out
}
