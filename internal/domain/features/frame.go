package features

import (
	"context"
	"runtime"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// StageFunc transforms one partition. It receives its own copy of the rows.
type StageFunc func(rows []FeatureRow) []FeatureRow

type stage struct {
	name string
	fn   StageFunc
}

// Frame is a lazily evaluated set of per-segment partitions. Apply only
// records a stage; Collect and Count run every recorded stage over all
// partitions concurrently.
type Frame struct {
	partitions [][]FeatureRow
	stages     []stage
	workers    int
}

// NewFrame partitions records by segment, each partition ordered by timestamp.
// A repeated (segment, timestamp) keeps the first record in input order.
func NewFrame(records []traffic.TrafficRecord, workers int) *Frame {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	bySegment := make(map[int][]FeatureRow)
	for _, r := range records {
		bySegment[r.SegmentID] = append(bySegment[r.SegmentID], FeatureRow{TrafficRecord: r})
	}
	ids := make([]int, 0, len(bySegment))
	for id := range bySegment {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	partitions := make([][]FeatureRow, 0, len(ids))
	for _, id := range ids {
		part := bySegment[id]
		sort.SliceStable(part, func(i, j int) bool { return part[i].Timestamp.Before(part[j].Timestamp) })
		part = slices.CompactFunc(part, func(a, b FeatureRow) bool { return a.Timestamp.Equal(b.Timestamp) })
		partitions = append(partitions, part)
	}
	return &Frame{partitions: partitions, workers: workers}
}

// Apply returns a new frame with fn appended to the plan. The receiver is
// left untouched.
func (f *Frame) Apply(name string, fn StageFunc) *Frame {
	stages := make([]stage, len(f.stages), len(f.stages)+1)
	copy(stages, f.stages)
	return &Frame{
		partitions: f.partitions,
		stages:     append(stages, stage{name: name, fn: fn}),
		workers:    f.workers,
	}
}

// Plan lists the recorded stage names in execution order.
func (f *Frame) Plan() []string {
	names := make([]string, len(f.stages))
	for i, s := range f.stages {
		names[i] = s.name
	}
	return names
}

// Partitions returns the number of segment partitions.
func (f *Frame) Partitions() int { return len(f.partitions) }

// Collect materializes the frame. Rows come back ordered by segment id and
// then timestamp.
func (f *Frame) Collect(ctx context.Context) ([]FeatureRow, error) {
	parts, err := f.materialize(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]FeatureRow, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Count materializes the frame and returns the number of rows.
func (f *Frame) Count(ctx context.Context) (int, error) {
	parts, err := f.materialize(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n, nil
}

func (f *Frame) materialize(ctx context.Context) ([][]FeatureRow, error) {
	out := make([][]FeatureRow, len(f.partitions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, part := range f.partitions {
		g.Go(func() error {
			rows := slices.Clone(part)
			for _, s := range f.stages {
				if err := gctx.Err(); err != nil {
					return err
				}
				rows = s.fn(rows)
			}
			out[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
