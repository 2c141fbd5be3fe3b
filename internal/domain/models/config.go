// Package models holds the two speed predictors: an LSTM with temporal
// attention over one segment's recent history, and a graph attention
// network over a snapshot of every segment.
package models

import (
	"errors"
	"fmt"

	"github.com/okian/speedcast/internal/domain/features"
)

var (
	ErrInvalidConfig = errors.New("invalid model configuration")
	ErrWindowLength  = errors.New("window length does not match the model")
	ErrEmptyBatch    = errors.New("empty batch")
)

// SequenceConfig sizes the sequence model.
type SequenceConfig struct {
	InputSize  int     `json:"input_size" koanf:"input_size"`
	Hidden     int     `json:"hidden" koanf:"hidden" validate:"gte=2"`
	Layers     int     `json:"layers" koanf:"layers" validate:"gte=1"`
	Heads      int     `json:"heads" koanf:"heads" validate:"gte=1"`
	Dropout    float64 `json:"dropout" koanf:"dropout" validate:"gte=0,lt=1"`
	Seed       int64   `json:"seed" koanf:"seed"`
	SeqLength  int     `json:"sequence_length" koanf:"sequence_length" validate:"gte=1"`
	OutputSize int     `json:"output_size" koanf:"-"`
}

// DefaultSequenceConfig returns hidden 128, 2 layers, 8 heads, dropout 0.2.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		InputSize:  len(features.SequenceColumns),
		Hidden:     128,
		Layers:     2,
		Heads:      8,
		Dropout:    0.2,
		Seed:       42,
		SeqLength:  24,
		OutputSize: 1,
	}
}

// Validate checks the architectural constraints.
func (c SequenceConfig) Validate() error {
	switch {
	case c.InputSize < 1:
		return fmt.Errorf("%w: input size %d", ErrInvalidConfig, c.InputSize)
	case c.Hidden < 2 || c.Layers < 1 || c.Heads < 1:
		return fmt.Errorf("%w: hidden %d, layers %d, heads %d", ErrInvalidConfig, c.Hidden, c.Layers, c.Heads)
	case c.Hidden%c.Heads != 0:
		return fmt.Errorf("%w: %d heads do not divide hidden %d", ErrInvalidConfig, c.Heads, c.Hidden)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout %.2f", ErrInvalidConfig, c.Dropout)
	case c.SeqLength < 1:
		return fmt.Errorf("%w: sequence length %d", ErrInvalidConfig, c.SeqLength)
	case c.OutputSize != 1:
		return fmt.Errorf("%w: output size %d", ErrInvalidConfig, c.OutputSize)
	}
	return nil
}

// GraphConfig sizes the graph model.
type GraphConfig struct {
	InputSize int     `json:"input_size" koanf:"input_size"`
	Hidden    int     `json:"hidden" koanf:"hidden" validate:"gte=4"`
	Layers    int     `json:"layers" koanf:"layers" validate:"gte=1"`
	Heads     int     `json:"heads" koanf:"heads" validate:"gte=1"`
	Dropout   float64 `json:"dropout" koanf:"dropout" validate:"gte=0,lt=1"`
	Seed      int64   `json:"seed" koanf:"seed"`
}

// DefaultGraphConfig returns hidden 64, 3 layers, 8 heads, dropout 0.1.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		InputSize: len(features.GraphColumns),
		Hidden:    64,
		Layers:    3,
		Heads:     8,
		Dropout:   0.1,
		Seed:      42,
	}
}

// Validate checks the architectural constraints. The output head narrows
// to Hidden/4, so Hidden must be at least 4.
func (c GraphConfig) Validate() error {
	switch {
	case c.InputSize < 1:
		return fmt.Errorf("%w: input size %d", ErrInvalidConfig, c.InputSize)
	case c.Hidden < 4 || c.Layers < 1 || c.Heads < 1:
		return fmt.Errorf("%w: hidden %d, layers %d, heads %d", ErrInvalidConfig, c.Hidden, c.Layers, c.Heads)
	case c.Hidden%c.Heads != 0:
		return fmt.Errorf("%w: %d heads do not divide hidden %d", ErrInvalidConfig, c.Heads, c.Hidden)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout %.2f", ErrInvalidConfig, c.Dropout)
	}
	return nil
}
