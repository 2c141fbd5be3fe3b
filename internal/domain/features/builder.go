// Package features turns raw traffic records into leak-free feature rows,
// builds the segment adjacency graph and synthesizes inference windows.
package features

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
	"github.com/okian/speedcast/pkg/metrics"
)

// Builder assembles the standard feature plan.
type Builder struct {
	workers int
	logger  logger.Logger
}

// NewBuilder creates a feature builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Get().Named("features")
	}
	return b
}

// Frame returns the lazy plan: flags, time of day, lags, rolling stats and
// segment stats. Nothing is computed until an action runs.
func (b *Builder) Frame(records []traffic.TrafficRecord) *Frame {
	return NewFrame(records, b.workers).
		Apply("flags", FlagStage).
		Apply("time_of_day", TimeOfDayStage).
		Apply("lags", LagStage).
		Apply("rolling", RollingStage).
		Apply("segment_stats", SegmentStatsStage)
}

// Build materializes the standard plan.
func (b *Builder) Build(ctx context.Context, records []traffic.TrafficRecord) ([]FeatureRow, error) {
	start := time.Now()
	frame := b.Frame(records)
	rows, err := frame.Collect(ctx)
	if err != nil {
		b.logger.Error(ctx, "feature build failed", logger.Error(err))
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.RecordFeatureBuild(len(rows), float64(elapsed.Milliseconds()))
	b.logger.Info(ctx, "features built",
		logger.Int("rows", len(rows)),
		logger.Int("segments", frame.Partitions()),
		logger.Duration("elapsed", elapsed),
	)
	return rows, nil
}

// FlagStage recomputes is_weekend and is_rush_hour from day and hour.
func FlagStage(rows []FeatureRow) []FeatureRow {
	for i := range rows {
		rows[i].IsWeekend = traffic.IsWeekend(rows[i].DayOfWeek)
		rows[i].IsRushHour = traffic.IsRushHour(rows[i].Hour)
	}
	return rows
}

// TimeOfDayStage sets the coarse time-of-day bucket.
func TimeOfDayStage(rows []FeatureRow) []FeatureRow {
	for i := range rows {
		rows[i].TimeOfDay = traffic.TimeOfDay(rows[i].Hour)
	}
	return rows
}

// LagStage fills lag features by position within the partition.
func LagStage(rows []FeatureRow) []FeatureRow {
	for i := range rows {
		for k, h := range LagHorizons {
			if i-h >= 0 {
				rows[i].Lags[k] = ptr(rows[i-h].Speed)
			} else {
				rows[i].Lags[k] = nil
			}
		}
	}
	return rows
}

// RollingStage computes mean, std, min and max over the RollingWindow rows
// preceding each row. The current row is excluded.
func RollingStage(rows []FeatureRow) []FeatureRow {
	window := make([]float64, 0, RollingWindow)
	for i := range rows {
		lo := max(0, i-RollingWindow)
		window = window[:0]
		for j := lo; j < i; j++ {
			window = append(window, rows[j].Speed)
		}
		r := &rows[i]
		r.RollingMean, r.RollingStd, r.RollingMin, r.RollingMax = nil, nil, nil, nil
		if len(window) == 0 {
			continue
		}
		r.RollingMean = ptr(stat.Mean(window, nil))
		r.RollingMin = ptr(floats.Min(window))
		r.RollingMax = ptr(floats.Max(window))
		if len(window) > 1 {
			r.RollingStd = ptr(stat.StdDev(window, nil))
		}
	}
	return rows
}

// SegmentStatsStage attaches whole-partition descriptive statistics. These
// look at the full history and are never fed to a model.
func SegmentStatsStage(rows []FeatureRow) []FeatureRow {
	if len(rows) == 0 {
		return rows
	}
	speeds := make([]float64, len(rows))
	for i := range rows {
		speeds[i] = rows[i].Speed
	}
	mean := stat.Mean(speeds, nil)
	std := 0.0
	if len(speeds) > 1 {
		std = stat.StdDev(speeds, nil)
	}
	length := rows[0].Segment().LengthKM()
	for i := range rows {
		rows[i].SegmentMeanSpeed = mean
		rows[i].SegmentStdSpeed = std
		rows[i].SegmentObservations = len(rows)
		rows[i].SegmentLengthKM = length
	}
	return rows
}
