package app

import (
	"math/rand"
	"time"

	"github.com/okian/speedcast/internal/adapters/mq/worker"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// RegistryOption applies a configuration option to the Registry.
type RegistryOption func(*Registry)

// WithDefaultModel sets the type LoadAll activates first.
func WithDefaultModel(t traffic.ModelType) RegistryOption {
	return func(r *Registry) {
		if t != "" {
			r.preferred = t
		}
	}
}

// WithSynthesisNoise adds uniform noise in [-noise, +noise] mph to
// synthesized windows, drawn from a generator seeded with seed.
func WithSynthesisNoise(noise float64, seed int64) RegistryOption {
	return func(r *Registry) {
		if noise > 0 {
			r.noise = noise
			r.rng = rand.New(rand.NewSource(seed))
		}
	}
}

// WithClock overrides the source of "now" for requests without a timestamp.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger sets a custom logger for the registry.
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of publishing workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the prediction event queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithPublisher sets where prediction events go. The default discards them.
func WithPublisher(p worker.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithPublishTimeout bounds a single publish call made by a worker.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.publishTimeout = d
	}
}

// WithSegments sets the segment catalog and the distance threshold used to
// link neighbours. Without it the catalog comes from the loaded graph model.
func WithSegments(segments []traffic.Segment, threshold float64) Option {
	return func(s *Service) {
		s.segments = segments
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
