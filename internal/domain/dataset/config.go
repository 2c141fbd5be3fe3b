// Package dataset turns feature rows into normalized model inputs: sliding
// windows for the sequence model and per-timestamp snapshots for the graph
// model.
package dataset

import (
	"errors"
	"fmt"

	"github.com/okian/speedcast/internal/domain/features"
)

// SplitStrategy decides how examples are ordered before the 70/15/15 cut.
type SplitStrategy string

const (
	// SplitChronological sorts by target timestamp so train precedes
	// validation precedes test in time.
	SplitChronological SplitStrategy = "chronological"
	// SplitPositional keeps emission order (segment-major for sequences).
	SplitPositional SplitStrategy = "positional"
)

// Defaults shared by both assemblers.
const (
	DefaultSequenceLength = 24
	DefaultMaxSnapshots   = 100
	DefaultTrainFraction  = 0.70
	DefaultValFraction    = 0.15
)

var (
	ErrInsufficientData = errors.New("not enough data to build a dataset")
	ErrInvalidConfig    = errors.New("invalid dataset configuration")
)

// Config holds assembler settings.
type Config struct {
	SequenceLength      int
	MaxSnapshots        int
	Strategy            SplitStrategy
	TrainFraction       float64
	ValFraction         float64
	RequireCompleteLags bool
	SequenceColumns     []features.Column
	GraphColumns        []features.Column
}

// Option mutates a Config.
type Option func(*Config)

// WithSequenceLength sets the window length L.
func WithSequenceLength(l int) Option { return func(c *Config) { c.SequenceLength = l } }

// WithMaxSnapshots bounds the number of graph snapshots.
func WithMaxSnapshots(n int) Option { return func(c *Config) { c.MaxSnapshots = n } }

// WithSplit selects the split strategy.
func WithSplit(s SplitStrategy) Option { return func(c *Config) { c.Strategy = s } }

// WithFractions sets the train and validation shares; test takes the rest.
func WithFractions(train, val float64) Option {
	return func(c *Config) { c.TrainFraction, c.ValFraction = train, val }
}

// WithRequireCompleteLags drops rows lacking any lag feature before windowing.
func WithRequireCompleteLags(v bool) Option { return func(c *Config) { c.RequireCompleteLags = v } }

func newConfig(opts []Option) (Config, error) {
	c := Config{
		SequenceLength:  DefaultSequenceLength,
		MaxSnapshots:    DefaultMaxSnapshots,
		Strategy:        SplitChronological,
		TrainFraction:   DefaultTrainFraction,
		ValFraction:     DefaultValFraction,
		SequenceColumns: features.SequenceColumns,
		GraphColumns:    features.GraphColumns,
	}
	for _, opt := range opts {
		opt(&c)
	}
	switch {
	case c.SequenceLength < 1:
		return c, fmt.Errorf("%w: sequence length %d", ErrInvalidConfig, c.SequenceLength)
	case c.MaxSnapshots < 1:
		return c, fmt.Errorf("%w: max snapshots %d", ErrInvalidConfig, c.MaxSnapshots)
	case c.TrainFraction <= 0 || c.ValFraction < 0 || c.TrainFraction+c.ValFraction > 1:
		return c, fmt.Errorf("%w: fractions %.2f/%.2f", ErrInvalidConfig, c.TrainFraction, c.ValFraction)
	case c.Strategy != SplitChronological && c.Strategy != SplitPositional:
		return c, fmt.Errorf("%w: split strategy %q", ErrInvalidConfig, c.Strategy)
	}
	return c, nil
}

// splitBounds returns the end of train and the end of validation for n
// examples: int(train*n) and int(train*n)+int(val*n).
func splitBounds(n int, train, val float64) (int, int) {
	trainEnd := int(train * float64(n))
	valEnd := trainEnd + int(val*float64(n))
	return trainEnd, min(valEnd, n)
}
