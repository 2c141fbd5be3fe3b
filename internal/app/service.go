package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/speedcast/internal/adapters/mq/queue"
	"github.com/okian/speedcast/internal/adapters/mq/worker"
	"github.com/okian/speedcast/internal/adapters/publisher"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/model"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// SegmentDetail is one catalog entry with its neighbours.
type SegmentDetail struct {
	traffic.Segment
	LengthKM  float64             `json:"length_km"`
	Neighbors []features.Neighbor `json:"neighbors"`
}

// Health summarizes readiness.
type Health struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	ModelsLoaded int               `json:"models_loaded"`
	ActiveModel  traffic.ModelType `json:"active_model"`
}

// Service is the serving composition root: it fronts the registry, owns the
// segment catalog and publishes every served prediction as an event.
type Service struct {
	mu sync.RWMutex

	registry  *Registry
	publisher worker.Publisher
	eventQ    *queue.InMemoryQueue
	pool      *worker.Pool

	workerCount    int
	queueSize      int
	publishTimeout time.Duration

	segments  []traffic.Segment
	threshold float64
	catalog   *features.Adjacency

	started   bool
	startedAt time.Time
	served    atomic.Int64
	dropped   atomic.Int64

	logger logger.Logger
}

// New constructs a Service around registry.
func New(registry *Registry, opts ...Option) *Service {
	s := &Service{
		registry:    registry,
		publisher:   publisher.Discard{},
		workerCount: runtime.NumCPU(),
		queueSize:   1024,
		threshold:   features.DefaultThreshold,
		logger:      logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the model registry.
func (s *Service) Registry() *Registry { return s.registry }

// Start builds the segment catalog and starts the publishing workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if len(s.segments) > 0 {
		adj, err := features.BuildAdjacency(s.segments, features.WithThreshold(s.threshold))
		if err != nil {
			return fmt.Errorf("build segment catalog: %w", err)
		}
		s.catalog = adj
	}

	s.eventQ = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	var wopts []worker.Option
	if s.publishTimeout > 0 {
		wopts = append(wopts, worker.WithPublishTimeout(s.publishTimeout))
	}
	s.pool = worker.NewPool(s.workerCount, s.eventQ, s.publisher, wopts...)
	s.pool.Start(context.WithoutCancel(ctx))

	s.started = true
	s.startedAt = time.Now().UTC()
	s.logger.Info(ctx, "prediction service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queue_size", s.queueSize),
		logger.Int("segments", s.catalogLen()),
	)
	return nil
}

// Stop drains the event queue and stops the workers.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	err := s.pool.Shutdown(ctx)
	s.started = false
	s.logger.Info(ctx, "prediction service stopped",
		logger.Any("served", s.served.Load()),
		logger.Any("dropped", s.dropped.Load()),
	)
	return err
}

// Predict validates the segment against the catalog, serves the request and
// publishes the result.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	if err := s.checkSegment(req.SegmentID); err != nil {
		return nil, err
	}
	p, err := s.registry.Predict(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, p, false)
	return p, nil
}

// PredictBatch serves a batch and publishes each prediction.
func (s *Service) PredictBatch(ctx context.Context, req BatchRequest) (*BatchPrediction, error) {
	for _, id := range req.SegmentIDs {
		if err := s.checkSegment(id); err != nil {
			return nil, err
		}
	}
	out, err := s.registry.PredictBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range out.Predictions {
		s.publish(ctx, &out.Predictions[i], true)
	}
	return out, nil
}

// Switch activates a loaded model.
func (s *Service) Switch(ctx context.Context, name string) (traffic.ModelType, error) {
	return s.registry.Switch(ctx, name)
}

// ModelStatus reports every model type.
func (s *Service) ModelStatus() Status { return s.registry.Status() }

// Health reports readiness. The service is degraded while no model is active.
func (s *Service) Health() Health {
	h := Health{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		ModelsLoaded: s.registry.Loaded(),
		ActiveModel:  s.registry.Active(),
	}
	if h.ActiveModel == "" {
		h.Status = "degraded"
	}
	return h
}

// Segments lists the catalog ordered by id.
func (s *Service) Segments() []traffic.Segment {
	adj := s.adjacency()
	if adj == nil {
		return []traffic.Segment{}
	}
	out := append([]traffic.Segment(nil), adj.Segments...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Segment returns one catalog entry with its neighbours.
func (s *Service) Segment(id int) (*SegmentDetail, error) {
	adj := s.adjacency()
	if adj == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	i, ok := adj.Index(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	nbrs, err := adj.Neighbors(id)
	if err != nil {
		return nil, err
	}
	if nbrs == nil {
		nbrs = []features.Neighbor{}
	}
	seg := adj.Segments[i]
	return &SegmentDetail{Segment: seg, LengthKM: seg.LengthKM(), Neighbors: nbrs}, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":            s.started,
		"worker_count":       s.workerCount,
		"queue_capacity":     s.queueSize,
		"predictions_served": s.served.Load(),
		"events_dropped":     s.dropped.Load(),
		"models_loaded":      s.registry.Loaded(),
		"active_model":       s.registry.Active(),
		"segments":           s.catalogLen(),
	}
	if s.started {
		published, failed := s.pool.Stats()
		stats["uptime_seconds"] = time.Since(s.startedAt).Seconds()
		stats["queue_length"] = s.eventQ.Len()
		stats["events_published"] = published
		stats["publish_failures"] = failed
	}
	return stats
}

func (s *Service) publish(ctx context.Context, p *Prediction, batch bool) {
	s.served.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return
	}
	e := model.NewPredictionEvent(p.SegmentID, p.Timestamp, p.PredictedSpeed, p.Interval, p.ModelUsed, p.Horizon)
	e.Batch = batch
	if !s.eventQ.Enqueue(ctx, e) {
		s.dropped.Add(1)
		s.logger.Debug(ctx, "prediction event dropped", logger.String("event_id", e.EventID))
	}
}

// checkSegment rejects ids outside a non-empty catalog.
func (s *Service) checkSegment(id int) error {
	adj := s.adjacency()
	if adj == nil || adj.Len() == 0 {
		return nil
	}
	if _, ok := adj.Index(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	return nil
}

// adjacency prefers the configured catalog, then the graph model's.
func (s *Service) adjacency() *features.Adjacency {
	s.mu.RLock()
	cat := s.catalog
	s.mu.RUnlock()
	if cat != nil {
		return cat
	}
	if adj, ok := s.registry.Adjacency(); ok {
		return adj
	}
	return nil
}

func (s *Service) catalogLen() int {
	if s.catalog != nil {
		return s.catalog.Len()
	}
	if adj, ok := s.registry.Adjacency(); ok {
		return adj.Len()
	}
	return 0
}

// IsClientError reports whether err stems from the request rather than the
// server.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidModelType) || errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownSegment) || errors.Is(err, ErrModelNotLoaded)
}
