package features

import (
	"github.com/okian/speedcast/pkg/logger"
)

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers bounds how many partitions are processed concurrently.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger overrides the builder logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// AdjacencyOption configures BuildAdjacency.
type AdjacencyOption func(*adjacencyConfig)

type adjacencyConfig struct {
	threshold float64
	anchor    Anchor
	strategy  Strategy
}

// WithThreshold sets the edge distance threshold in degrees.
func WithThreshold(deg float64) AdjacencyOption {
	return func(c *adjacencyConfig) { c.threshold = deg }
}

// WithAnchor selects which point of a segment distances are measured from.
func WithAnchor(a Anchor) AdjacencyOption {
	return func(c *adjacencyConfig) { c.anchor = a }
}

// WithStrategy selects the neighbour search.
func WithStrategy(s Strategy) AdjacencyOption {
	return func(c *adjacencyConfig) { c.strategy = s }
}
