package dataset

import (
	"fmt"
	"sort"
	"time"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/scaler"
)

// Snapshot is the graph state at one timestamp. Node i is
// Adjacency.Segments[i].
type Snapshot struct {
	Timestamp  time.Time
	Nodes      [][]float64
	Targets    []float64
	RawNodes   [][]float64
	RawTargets []float64
	Observed   []bool
}

// GraphDataset is a split, normalized set of snapshots over one adjacency.
type GraphDataset struct {
	Train, Val, Test []Snapshot

	FeatureScaler *scaler.Scaler
	TargetScaler  *scaler.Scaler
	Adjacency     *features.Adjacency
	Columns       []features.Column

	// Timestamps is the number of distinct timestamps before sampling.
	Timestamps int
}

// GraphAssembler builds per-timestamp snapshots.
type GraphAssembler struct {
	cfg Config
}

// NewGraphAssembler validates the options and returns an assembler.
func NewGraphAssembler(opts ...Option) (*GraphAssembler, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &GraphAssembler{cfg: cfg}, nil
}

// Snapshots builds raw snapshots for a bounded, evenly strided sample of the
// observed timestamps. Segments without a reading at a timestamp get the
// imputed node and the default target. Rows for segments outside adj are
// ignored.
func (a *GraphAssembler) Snapshots(rows []features.FeatureRow, adj *features.Adjacency) ([]Snapshot, int) {
	readings := make(map[time.Time]map[int]features.FeatureRow)
	for _, r := range rows {
		node, ok := adj.Index(r.SegmentID)
		if !ok {
			continue
		}
		ts := r.Timestamp.UTC()
		byNode, ok := readings[ts]
		if !ok {
			byNode = make(map[int]features.FeatureRow)
			readings[ts] = byNode
		}
		if _, dup := byNode[node]; !dup {
			byNode[node] = r
		}
	}

	timestamps := make([]time.Time, 0, len(readings))
	for ts := range readings {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })
	total := len(timestamps)
	timestamps = sampleEvenly(timestamps, a.cfg.MaxSnapshots)

	out := make([]Snapshot, 0, len(timestamps))
	for _, ts := range timestamps {
		snap := Snapshot{
			Timestamp:  ts,
			RawNodes:   make([][]float64, adj.Len()),
			RawTargets: make([]float64, adj.Len()),
			Observed:   make([]bool, adj.Len()),
		}
		for i, seg := range adj.Segments {
			if r, ok := readings[ts][i]; ok {
				o := r.Observation()
				o.Lat, o.Lon = seg.StartLat, seg.StartLon
				snap.RawNodes[i] = o.Vector(a.cfg.GraphColumns)
				snap.RawTargets[i] = r.Speed
				snap.Observed[i] = true
				continue
			}
			snap.RawNodes[i] = features.ImputedObservation(seg.StartLat, seg.StartLon).Vector(a.cfg.GraphColumns)
			snap.RawTargets[i] = features.DefaultSpeed
		}
		out = append(out, snap)
	}
	return out, total
}

// Assemble builds, splits and normalizes snapshots. Snapshots are already in
// timestamp order, so both split strategies cut the same way.
func (a *GraphAssembler) Assemble(rows []features.FeatureRow, adj *features.Adjacency) (*GraphDataset, error) {
	if adj == nil || adj.Len() == 0 {
		return nil, fmt.Errorf("%w: empty adjacency", ErrInsufficientData)
	}
	snaps, total := a.Snapshots(rows, adj)
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no readings for known segments", ErrInsufficientData)
	}
	trainEnd, valEnd := splitBounds(len(snaps), a.cfg.TrainFraction, a.cfg.ValFraction)
	if trainEnd == 0 {
		return nil, fmt.Errorf("%w: %d snapshots leave an empty training split", ErrInsufficientData, len(snaps))
	}

	var trainNodes, trainTargets [][]float64
	for _, s := range snaps[:trainEnd] {
		trainNodes = append(trainNodes, s.RawNodes...)
		for _, t := range s.RawTargets {
			trainTargets = append(trainTargets, []float64{t})
		}
	}
	featureScaler, err := scaler.FitStandard(trainNodes)
	if err != nil {
		return nil, fmt.Errorf("fit node scaler: %w", err)
	}
	targetScaler, err := scaler.FitMinMax(trainTargets)
	if err != nil {
		return nil, fmt.Errorf("fit target scaler: %w", err)
	}

	for i := range snaps {
		snaps[i].Nodes, err = featureScaler.TransformAll(snaps[i].RawNodes)
		if err != nil {
			return nil, err
		}
		snaps[i].Targets = make([]float64, len(snaps[i].RawTargets))
		for j, t := range snaps[i].RawTargets {
			snaps[i].Targets[j] = targetScaler.TransformScalar(t)
		}
	}

	return &GraphDataset{
		Train:         snaps[:trainEnd],
		Val:           snaps[trainEnd:valEnd],
		Test:          snaps[valEnd:],
		FeatureScaler: featureScaler,
		TargetScaler:  targetScaler,
		Adjacency:     adj,
		Columns:       a.cfg.GraphColumns,
		Timestamps:    total,
	}, nil
}

// sampleEvenly keeps at most n items spread across the whole slice, first
// and last included, preserving order.
func sampleEvenly[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	if n == 1 {
		return items[:1]
	}
	out := make([]T, n)
	last := len(items) - 1
	for k := 0; k < n; k++ {
		out[k] = items[k*last/(n-1)]
	}
	return out
}
