package repository

import (
	"encoding/json"
	"fmt"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
)

// SequenceCheckpoint captures a trained sequence model with its scalers.
func SequenceCheckpoint(m *models.SequenceModel, inputs, target *scaler.Scaler) (*Checkpoint, error) {
	cfg, err := json.Marshal(m.Config())
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Version:       Version,
		ModelType:     traffic.Sequence,
		Config:        cfg,
		Columns:       append([]features.Column(nil), features.SequenceColumns...),
		Weights:       m.Params().State(),
		FeatureScaler: inputs.State(),
		TargetScaler:  target.State(),
	}, nil
}

// GraphCheckpoint captures a trained graph model, its adjacency and scalers.
func GraphCheckpoint(m *models.GraphModel, adj *features.Adjacency, inputs, target *scaler.Scaler) (*Checkpoint, error) {
	cfg, err := json.Marshal(m.Config())
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Version:       Version,
		ModelType:     traffic.Graph,
		Config:        cfg,
		Columns:       append([]features.Column(nil), features.GraphColumns...),
		Weights:       m.Params().State(),
		FeatureScaler: inputs.State(),
		TargetScaler:  target.State(),
		Graph:         NewGraphState(adj),
	}, nil
}

// Predictor rebuilds the network described by the checkpoint, loads its
// weights and pairs it with the stored scalers.
func (c *Checkpoint) Predictor() (models.Predictor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	inputs, err := scaler.FromState(c.FeatureScaler)
	if err != nil {
		return nil, fmt.Errorf("%w: feature scaler: %w", ErrCorruptCheckpoint, err)
	}
	target, err := scaler.FromState(c.TargetScaler)
	if err != nil {
		return nil, fmt.Errorf("%w: target scaler: %w", ErrCorruptCheckpoint, err)
	}

	switch c.ModelType {
	case traffic.Sequence:
		cfg := models.DefaultSequenceConfig()
		if err := json.Unmarshal(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("%w: config: %w", ErrCorruptCheckpoint, err)
		}
		m, err := models.NewSequenceModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
		}
		if err := m.Params().Load(c.Weights); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
		}
		return models.NewSequencePredictor(m, inputs, target, c.Columns)
	default:
		cfg := models.DefaultGraphConfig()
		if err := json.Unmarshal(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("%w: config: %w", ErrCorruptCheckpoint, err)
		}
		adj := c.Graph.Adjacency()
		m, err := models.NewGraphModel(cfg, adj)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
		}
		if err := m.Params().Load(c.Weights); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
		}
		return models.NewGraphPredictor(m, adj, inputs, target, c.Columns)
	}
}
