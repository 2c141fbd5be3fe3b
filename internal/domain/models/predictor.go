package models

import (
	"context"
	"fmt"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
)

// Predictor turns a window of raw observations for one segment into a speed
// in mph. Implementations are safe for concurrent use.
type Predictor interface {
	Type() traffic.ModelType
	Predict(ctx context.Context, segmentID int, window []features.Observation) (float64, error)
}

// SequencePredictor serves a trained sequence model.
type SequencePredictor struct {
	model   *SequenceModel
	inputs  *scaler.Scaler
	target  *scaler.Scaler
	columns []features.Column
}

// NewSequencePredictor pairs a model with the scalers it was trained with.
func NewSequencePredictor(m *SequenceModel, inputs, target *scaler.Scaler, columns []features.Column) (*SequencePredictor, error) {
	if err := features.ValidateColumns(columns); err != nil {
		return nil, err
	}
	if inputs.Dim() != len(columns) || target.Dim() != 1 || len(columns) != m.cfg.InputSize {
		return nil, fmt.Errorf("%w: %d columns, scaler dims %d/%d, model input %d",
			ErrInvalidConfig, len(columns), inputs.Dim(), target.Dim(), m.cfg.InputSize)
	}
	return &SequencePredictor{model: m, inputs: inputs, target: target, columns: columns}, nil
}

// Type reports sequence.
func (p *SequencePredictor) Type() traffic.ModelType { return traffic.Sequence }

// Length is the window length the model expects.
func (p *SequencePredictor) Length() int { return p.model.cfg.SeqLength }

// Model exposes the underlying network.
func (p *SequencePredictor) Model() *SequenceModel { return p.model }

// Predict projects, normalizes and runs window, which must hold exactly
// Length observations, then denormalizes the output.
func (p *SequencePredictor) Predict(ctx context.Context, _ int, window []features.Observation) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(window) != p.Length() {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrWindowLength, len(window), p.Length())
	}
	rows := make([][]float64, len(window))
	for i, o := range window {
		scaled, err := p.inputs.Transform(o.Vector(p.columns))
		if err != nil {
			return 0, err
		}
		rows[i] = scaled
	}
	out, err := p.model.PredictNormalized([][][]float64{rows})
	if err != nil {
		return 0, err
	}
	return p.target.InverseScalar(out[0]), nil
}

// GraphPredictor serves a trained graph model.
type GraphPredictor struct {
	model   *GraphModel
	adj     *features.Adjacency
	inputs  *scaler.Scaler
	target  *scaler.Scaler
	columns []features.Column
}

// NewGraphPredictor pairs a model with its adjacency and scalers.
func NewGraphPredictor(m *GraphModel, adj *features.Adjacency, inputs, target *scaler.Scaler, columns []features.Column) (*GraphPredictor, error) {
	if err := features.ValidateColumns(columns); err != nil {
		return nil, err
	}
	if adj.Len() != m.Nodes() {
		return nil, fmt.Errorf("%w: adjacency has %d nodes, model has %d", ErrInvalidConfig, adj.Len(), m.Nodes())
	}
	if inputs.Dim() != len(columns) || target.Dim() != 1 || len(columns) != m.cfg.InputSize {
		return nil, fmt.Errorf("%w: %d columns, scaler dims %d/%d, model input %d",
			ErrInvalidConfig, len(columns), inputs.Dim(), target.Dim(), m.cfg.InputSize)
	}
	return &GraphPredictor{model: m, adj: adj, inputs: inputs, target: target, columns: columns}, nil
}

// Type reports graph.
func (p *GraphPredictor) Type() traffic.ModelType { return traffic.Graph }

// Adjacency returns the graph the model was trained on.
func (p *GraphPredictor) Adjacency() *features.Adjacency { return p.adj }

// Model exposes the underlying network.
func (p *GraphPredictor) Model() *GraphModel { return p.model }

// Predict places the latest observation of window on the segment's node,
// imputes every other node and returns that node's denormalized output.
func (p *GraphPredictor) Predict(ctx context.Context, segmentID int, window []features.Observation) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	node, ok := p.adj.Index(segmentID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", features.ErrUnknownSegment, segmentID)
	}
	if len(window) == 0 {
		return 0, fmt.Errorf("%w: empty window", ErrWindowLength)
	}
	nodes := make([][]float64, p.adj.Len())
	for i, seg := range p.adj.Segments {
		o := features.ImputedObservation(seg.StartLat, seg.StartLon)
		if i == node {
			o = window[len(window)-1]
			o.Lat, o.Lon = seg.StartLat, seg.StartLon
		}
		scaled, err := p.inputs.Transform(o.Vector(p.columns))
		if err != nil {
			return 0, err
		}
		nodes[i] = scaled
	}
	out, err := p.model.PredictNormalized(nodes)
	if err != nil {
		return 0, err
	}
	return p.target.InverseScalar(out[node]), nil
}
