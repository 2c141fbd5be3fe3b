package dataset

import (
	"fmt"
	"sort"
	"time"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/scaler"
)

// Sequence is one sliding window and the speed that follows it.
type Sequence struct {
	SegmentID int
	Timestamp time.Time // time of the target row
	Inputs    [][]float64
	Target    float64
	RawInputs [][]float64
	RawTarget float64
}

// SequenceDataset is a split, normalized set of windows.
type SequenceDataset struct {
	Train, Val, Test []Sequence

	FeatureScaler *scaler.Scaler
	TargetScaler  *scaler.Scaler
	Columns       []features.Column
	Length        int

	// Skipped counts segments with fewer than Length+1 rows.
	Skipped int
}

// SequenceAssembler slices per-segment rows into windows.
type SequenceAssembler struct {
	cfg Config
}

// NewSequenceAssembler validates the options and returns an assembler.
func NewSequenceAssembler(opts ...Option) (*SequenceAssembler, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &SequenceAssembler{cfg: cfg}, nil
}

// Windows emits raw stride-1 windows. rows must be ordered by segment and
// timestamp, as features.Frame.Collect returns them. The second result counts
// skipped segments.
func (a *SequenceAssembler) Windows(rows []features.FeatureRow) ([]Sequence, int) {
	l := a.cfg.SequenceLength
	var out []Sequence
	skipped := 0
	for _, group := range features.GroupBySegment(rows) {
		if a.cfg.RequireCompleteLags {
			group = completeLagRows(group)
		}
		if len(group) < l+1 {
			skipped++
			continue
		}
		vectors := make([][]float64, len(group))
		for i, r := range group {
			vectors[i] = r.Observation().Vector(a.cfg.SequenceColumns)
		}
		for i := 0; i+l < len(group); i++ {
			out = append(out, Sequence{
				SegmentID: group[i+l].SegmentID,
				Timestamp: group[i+l].Timestamp,
				RawInputs: vectors[i : i+l],
				RawTarget: group[i+l].Speed,
			})
		}
	}
	return out, skipped
}

// Assemble windows, splits and normalizes. Scalers are fit on the training
// partition only and applied unchanged to validation and test.
func (a *SequenceAssembler) Assemble(rows []features.FeatureRow) (*SequenceDataset, error) {
	seqs, skipped := a.Windows(rows)
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no segment has %d rows", ErrInsufficientData, a.cfg.SequenceLength+1)
	}
	if a.cfg.Strategy == SplitChronological {
		sort.SliceStable(seqs, func(i, j int) bool { return seqs[i].Timestamp.Before(seqs[j].Timestamp) })
	}
	trainEnd, valEnd := splitBounds(len(seqs), a.cfg.TrainFraction, a.cfg.ValFraction)
	if trainEnd == 0 {
		return nil, fmt.Errorf("%w: %d sequences leave an empty training split", ErrInsufficientData, len(seqs))
	}

	var trainRows, trainTargets [][]float64
	for _, s := range seqs[:trainEnd] {
		trainRows = append(trainRows, s.RawInputs...)
		trainTargets = append(trainTargets, []float64{s.RawTarget})
	}
	featureScaler, err := scaler.FitStandard(trainRows)
	if err != nil {
		return nil, fmt.Errorf("fit feature scaler: %w", err)
	}
	targetScaler, err := scaler.FitMinMax(trainTargets)
	if err != nil {
		return nil, fmt.Errorf("fit target scaler: %w", err)
	}

	for i := range seqs {
		seqs[i].Inputs, err = featureScaler.TransformAll(seqs[i].RawInputs)
		if err != nil {
			return nil, err
		}
		seqs[i].Target = targetScaler.TransformScalar(seqs[i].RawTarget)
	}

	return &SequenceDataset{
		Train:         seqs[:trainEnd],
		Val:           seqs[trainEnd:valEnd],
		Test:          seqs[valEnd:],
		FeatureScaler: featureScaler,
		TargetScaler:  targetScaler,
		Columns:       a.cfg.SequenceColumns,
		Length:        a.cfg.SequenceLength,
		Skipped:       skipped,
	}, nil
}

func completeLagRows(rows []features.FeatureRow) []features.FeatureRow {
	out := make([]features.FeatureRow, 0, len(rows))
	for _, r := range rows {
		if r.HasCompleteLags() {
			out = append(out, r)
		}
	}
	return out
}
