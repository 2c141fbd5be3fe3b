package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/speedcast/internal/domain/evaluation"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/domain/training"
	"github.com/okian/speedcast/internal/nn"
)

// Version is the checkpoint format written by this build.
const Version = 1

// Checkpoint is everything needed to serve a trained model: architecture,
// weights, the exact input layout and both fitted scalers.
type Checkpoint struct {
	Version       int                       `json:"version"`
	ModelType     traffic.ModelType         `json:"model_type"`
	RunID         string                    `json:"run_id"`
	CreatedAt     time.Time                 `json:"created_at"`
	Epoch         int                       `json:"epoch"`
	Config        json.RawMessage           `json:"config"`
	Columns       []features.Column         `json:"columns"`
	Weights       map[string]nn.TensorState `json:"weights"`
	FeatureScaler scaler.State              `json:"feature_scaler"`
	TargetScaler  scaler.State              `json:"target_scaler"`
	Training      *training.Report          `json:"training,omitempty"`
	Metrics       *evaluation.Metrics       `json:"metrics,omitempty"`
	Graph         *GraphState               `json:"graph,omitempty"`
}

// GraphState is the serialized adjacency of a graph checkpoint.
type GraphState struct {
	Segments  []traffic.Segment `json:"segments"`
	Edges     []features.Edge   `json:"edges"`
	Threshold float64           `json:"threshold"`
}

// NewGraphState captures adj.
func NewGraphState(adj *features.Adjacency) *GraphState {
	return &GraphState{Segments: adj.Segments, Edges: adj.Edges, Threshold: adj.Threshold}
}

// Adjacency rebuilds the indexed adjacency.
func (g *GraphState) Adjacency() *features.Adjacency {
	return features.NewAdjacency(g.Segments, g.Edges, g.Threshold)
}

// Validate checks the fields every consumer relies on.
func (c *Checkpoint) Validate() error {
	switch {
	case c.Version != Version:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	case c.ModelType != traffic.Sequence && c.ModelType != traffic.Graph:
		return fmt.Errorf("%w: model type %q", ErrInvalidCheckpoint, c.ModelType)
	case len(c.Weights) == 0:
		return fmt.Errorf("%w: no weights", ErrInvalidCheckpoint)
	case len(c.Columns) == 0:
		return fmt.Errorf("%w: no columns", ErrInvalidCheckpoint)
	case c.ModelType == traffic.Graph && (c.Graph == nil || len(c.Graph.Segments) == 0):
		return fmt.Errorf("%w: graph checkpoint without adjacency", ErrInvalidCheckpoint)
	}
	return nil
}
