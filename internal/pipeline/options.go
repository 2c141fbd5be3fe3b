package pipeline

import (
	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/domain/training"
	"github.com/okian/speedcast/pkg/logger"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSegments sets the segment catalog. Without it, segments are derived
// from the records.
func WithSegments(segs []traffic.Segment) Option {
	return func(p *Pipeline) { p.segments = segs }
}

// WithSequence sets the sequence architecture and its schedule.
func WithSequence(m models.SequenceConfig, t training.Config) Option {
	return func(p *Pipeline) { p.sequence, p.sequenceTraining = m, t }
}

// WithGraph sets the graph architecture and its schedule.
func WithGraph(m models.GraphConfig, t training.Config) Option {
	return func(p *Pipeline) { p.graph, p.graphTraining = m, t }
}

// WithDatasetOptions forwards split and sampling options to both
// assemblers. The sequence length always follows the sequence model.
func WithDatasetOptions(opts ...dataset.Option) Option {
	return func(p *Pipeline) { p.datasetOpts = append(p.datasetOpts, opts...) }
}

// WithThreshold sets the adjacency radius in degrees.
func WithThreshold(deg float64) Option {
	return func(p *Pipeline) {
		if deg > 0 {
			p.threshold = deg
		}
	}
}

// WithWorkers bounds the parallel feature partitions.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithLogger overrides the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}
