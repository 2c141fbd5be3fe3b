// Package app wires trained models into a serving layer: a registry of loaded
// predictors with one active model, and the service that fronts it for the
// HTTP transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/domain/evaluation"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/model"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
	"github.com/okian/speedcast/pkg/metrics"
)

// Serving constants.
const (
	DefaultWindow  = 24
	DefaultHorizon = 1
	MaxHorizon     = 24
	BandFraction   = 0.10
)

// PredictRequest asks for the speed of one segment. A zero Timestamp means
// now. History, when present, replaces the synthesized window.
type PredictRequest struct {
	SegmentID int
	Timestamp time.Time
	History   []features.Observation
	Horizon   int
}

// Prediction is a served point estimate with its band. Timestamp is the hour
// the estimate is for: the request time moved forward Horizon-1 hours.
type Prediction struct {
	SegmentID      int               `json:"segment_id"`
	Timestamp      time.Time         `json:"timestamp"`
	PredictedSpeed float64           `json:"predicted_speed"`
	Interval       model.Interval    `json:"confidence_interval"`
	ModelUsed      traffic.ModelType `json:"model_used"`
	Horizon        int               `json:"prediction_horizon"`
}

// BatchRequest predicts several segments at one shared timestamp.
type BatchRequest struct {
	SegmentIDs []int
	Timestamp  time.Time
	Horizon    int
}

// BatchPrediction is the response to a BatchRequest.
type BatchPrediction struct {
	Predictions   []Prediction `json:"predictions"`
	TotalSegments int          `json:"total_segments"`
	Timestamp     time.Time    `json:"timestamp"`
}

// ModelInfo is the checkpoint metadata kept next to a loaded model.
type ModelInfo struct {
	RunID     string
	Epoch     int
	CreatedAt time.Time
	Metrics   *evaluation.Metrics
}

// ModelStatus reports one model type.
type ModelStatus struct {
	ModelType   traffic.ModelType   `json:"model_type"`
	Loaded      bool                `json:"loaded"`
	LastUpdated *time.Time          `json:"last_updated"`
	RunID       string              `json:"run_id,omitempty"`
	Epoch       int                 `json:"epoch,omitempty"`
	Metrics     *evaluation.Metrics `json:"metrics,omitempty"`
}

// Status reports every model type and which one serves predictions.
type Status struct {
	ActiveModel traffic.ModelType                 `json:"active_model"`
	Models      map[traffic.ModelType]ModelStatus `json:"models"`
}

// loaded is an immutable snapshot of one served model.
type loaded struct {
	predictor models.Predictor
	window    int
	info      ModelInfo
	loadedAt  time.Time
}

// Registry holds the loaded predictors and the active one. Predict reads the
// active snapshot with a single atomic load, so a concurrent Switch never
// tears an in-flight request.
type Registry struct {
	store     repository.Store
	preferred traffic.ModelType
	noise     float64
	now       func() time.Time

	mu     sync.RWMutex
	models map[traffic.ModelType]*loaded
	active atomic.Pointer[loaded]

	rngMu sync.Mutex
	rng   *rand.Rand

	logger logger.Logger
}

// NewRegistry creates an empty registry reading checkpoints from store.
func NewRegistry(store repository.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:     store,
		preferred: traffic.Sequence,
		now:       time.Now,
		models:    make(map[traffic.ModelType]*loaded, len(traffic.ModelTypes)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger.Get().Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the serving checkpoint of t and installs it. A missing file is
// logged and returned as ErrCheckpointMissing; a model of t already
// installed keeps serving.
func (r *Registry) Load(ctx context.Context, t traffic.ModelType) error {
	cp, err := r.store.Load(ctx, t, repository.KindFinal)
	if errors.Is(err, repository.ErrCheckpointMissing) {
		r.logger.Warn(ctx, "checkpoint not found",
			logger.String("model", string(t)),
			logger.String("path", r.store.Location(t, repository.KindFinal)),
		)
		r.mu.RLock()
		present := r.models[t] != nil
		r.mu.RUnlock()
		if !present {
			metrics.UpdateModelLoaded(string(t), false)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", t, err)
	}
	p, err := cp.Predictor()
	if err != nil {
		return fmt.Errorf("restore %s: %w", t, err)
	}
	r.Install(ctx, p, ModelInfo{RunID: cp.RunID, Epoch: cp.Epoch, CreatedAt: cp.CreatedAt, Metrics: cp.Metrics})
	return nil
}

// LoadAll loads every model type, then activates the preferred type if it
// loaded, otherwise the first type that did. Missing checkpoints are not
// errors.
func (r *Registry) LoadAll(ctx context.Context) error {
	var errs []error
	for _, t := range traffic.ModelTypes {
		if err := r.Load(ctx, t); err != nil && !errors.Is(err, repository.ErrCheckpointMissing) {
			errs = append(errs, err)
		}
	}
	if r.active.Load() == nil {
		candidates := append([]traffic.ModelType{r.preferred}, traffic.ModelTypes...)
		for _, t := range candidates {
			if _, err := r.Switch(ctx, string(t)); err == nil {
				break
			}
		}
	}
	if r.active.Load() == nil {
		r.logger.Warn(ctx, "no model loaded; predictions will fail until one is")
	}
	return errors.Join(errs...)
}

// Install registers p as the loaded model of its type. Reinstalling the
// active type makes the new snapshot active.
func (r *Registry) Install(ctx context.Context, p models.Predictor, info ModelInfo) {
	window := DefaultWindow
	if lp, ok := p.(interface{ Length() int }); ok {
		window = lp.Length()
	}
	e := &loaded{predictor: p, window: window, info: info, loadedAt: r.now()}

	r.mu.Lock()
	prev := r.models[p.Type()]
	r.models[p.Type()] = e
	if prev != nil {
		r.active.CompareAndSwap(prev, e)
	}
	r.mu.Unlock()

	metrics.UpdateModelLoaded(string(p.Type()), true)
	r.logger.Info(ctx, "model loaded",
		logger.String("model", string(p.Type())),
		logger.String("run_id", info.RunID),
		logger.Int("epoch", info.Epoch),
		logger.Int("window", window),
	)
}

// Switch activates a loaded model. name accepts the "lstm" and "gnn"
// aliases. On failure the active model is unchanged.
func (r *Registry) Switch(ctx context.Context, name string) (traffic.ModelType, error) {
	t, err := traffic.ParseModelType(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelType, name)
	}
	// Held across the swap: Install's CAS must see the snapshot it replaces.
	r.mu.Lock()
	e := r.models[t]
	if e == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrModelNotLoaded, t)
	}
	prev := r.active.Swap(e)
	r.mu.Unlock()

	from := ""
	if prev != nil {
		from = string(prev.predictor.Type())
	}
	metrics.RecordModelSwitch(from, string(t))
	r.logger.Info(ctx, "active model switched", logger.String("from", from), logger.String("to", string(t)))
	return t, nil
}

// Active returns the active model type, or "" when none is active.
func (r *Registry) Active() traffic.ModelType {
	if e := r.active.Load(); e != nil {
		return e.predictor.Type()
	}
	return ""
}

// Loaded returns the number of loaded model types.
func (r *Registry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Adjacency returns the segment graph of the loaded graph model.
func (r *Registry) Adjacency() (*features.Adjacency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.models[traffic.Graph]
	if e == nil {
		return nil, false
	}
	gp, ok := e.predictor.(*models.GraphPredictor)
	if !ok {
		return nil, false
	}
	return gp.Adjacency(), true
}

// Status reports every model type.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{ActiveModel: r.Active(), Models: make(map[traffic.ModelType]ModelStatus, len(traffic.ModelTypes))}
	for _, t := range traffic.ModelTypes {
		ms := ModelStatus{ModelType: t}
		if e := r.models[t]; e != nil {
			at := e.loadedAt
			ms.Loaded = true
			ms.LastUpdated = &at
			ms.RunID = e.info.RunID
			ms.Epoch = e.info.Epoch
			ms.Metrics = e.info.Metrics
		}
		st.Models[t] = ms
	}
	return st
}

// Predict serves one request with the active model.
func (r *Registry) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	e := r.active.Load()
	if e == nil {
		return nil, ErrNoActiveModel
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	return r.predictWith(ctx, e, req.SegmentID, ts, req.History, req.Horizon)
}

// PredictBatch serves one synthesized prediction per segment, all from the
// same active snapshot and timestamp. The first failure aborts the batch.
func (r *Registry) PredictBatch(ctx context.Context, req BatchRequest) (*BatchPrediction, error) {
	if len(req.SegmentIDs) == 0 {
		return nil, fmt.Errorf("%w: no segment ids", ErrInvalidRequest)
	}
	e := r.active.Load()
	if e == nil {
		return nil, ErrNoActiveModel
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	out := &BatchPrediction{
		Predictions:   make([]Prediction, 0, len(req.SegmentIDs)),
		TotalSegments: len(req.SegmentIDs),
		Timestamp:     ts,
	}
	for _, id := range req.SegmentIDs {
		p, err := r.predictWith(ctx, e, id, ts, nil, req.Horizon)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", id, err)
		}
		out.Predictions = append(out.Predictions, *p)
	}
	return out, nil
}

func (r *Registry) predictWith(ctx context.Context, e *loaded, segmentID int, ts time.Time, history []features.Observation, horizon int) (*Prediction, error) {
	start := time.Now()
	mt := e.predictor.Type()
	if horizon == 0 {
		horizon = DefaultHorizon
	}
	if horizon < 1 || horizon > MaxHorizon {
		return nil, fmt.Errorf("%w: horizon %d outside [1,%d]", ErrInvalidRequest, horizon, MaxHorizon)
	}

	window, err := r.window(e, ts, history)
	if err != nil {
		return nil, err
	}

	var speed float64
	for step := 0; step < horizon; step++ {
		if err := ctx.Err(); err != nil {
			metrics.RecordPredictionError(string(mt), "cancelled")
			return nil, err
		}
		speed, err = e.predictor.Predict(ctx, segmentID, window)
		if errors.Is(err, features.ErrUnknownSegment) {
			metrics.RecordPredictionError(string(mt), "unknown_segment")
			return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, segmentID)
		}
		if err != nil {
			metrics.RecordPredictionError(string(mt), "forward")
			return nil, fmt.Errorf("predict %s: %w", mt, err)
		}
		if math.IsNaN(speed) || math.IsInf(speed, 0) {
			metrics.RecordPredictionError(string(mt), "non_finite")
			return nil, fmt.Errorf("predict %s: non-finite output", mt)
		}
		next := features.Advance(window[len(window)-1], speed)
		window = append(append(make([]features.Observation, 0, len(window)), window[1:]...), next)
	}

	lower, upper := speed*(1-BandFraction), speed*(1+BandFraction)
	if lower > upper {
		lower, upper = upper, lower
	}
	metrics.RecordPrediction(string(mt), float64(time.Since(start).Microseconds())/1000)
	return &Prediction{
		SegmentID:      segmentID,
		Timestamp:      ts.Add(time.Duration(horizon-1) * time.Hour),
		PredictedSpeed: speed,
		Interval:       model.Interval{Lower: lower, Upper: upper},
		ModelUsed:      mt,
		Horizon:        horizon,
	}, nil
}

// window pads caller history to the model's length, or synthesizes one
// ending an hour before ts.
func (r *Registry) window(e *loaded, ts time.Time, history []features.Observation) ([]features.Observation, error) {
	if len(history) > 0 {
		return features.PadWindow(history, e.window)
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return features.SynthesizeWindow(ts, e.window, features.DefaultSpeed, r.noise, r.rng)
}
