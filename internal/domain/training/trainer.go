// Package training runs the shared optimization loop for both models:
// mini-batch Adam with gradient clipping, a plateau scheduler, validation
// based early stopping and best-weight checkpointing.
package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/okian/speedcast/internal/nn"
	"github.com/okian/speedcast/pkg/logger"
	"github.com/okian/speedcast/pkg/metrics"
)

// State is a phase of a training run.
type State string

const (
	StateInit            State = "INIT"
	StateTraining        State = "TRAINING"
	StateValidating      State = "VALIDATING"
	StateEarlyStopped    State = "EARLY_STOPPED"
	StateEpochsExhausted State = "EPOCHS_EXHAUSTED"
	StateDiverged        State = "DIVERGED"
	StateSaved           State = "SAVED"
)

// Learner is a model the trainer can optimize over examples of type E.
type Learner[E any] interface {
	Loss(tp *nn.Tape, batch []E) (*nn.Tensor, error)
	Params() *nn.ParamSet
}

// Checkpointer persists weights during and after a run.
type Checkpointer interface {
	// SaveBest is called on every strict validation improvement.
	SaveBest(ctx context.Context, e Epoch) error
	// SaveFinal is called once with the best weights restored.
	SaveFinal(ctx context.Context, r *Report) error
}

// Epoch summarizes one validated epoch.
type Epoch struct {
	RunID        string  `json:"run_id"`
	Model        string  `json:"model"`
	Number       int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	LearningRate float64 `json:"learning_rate"`
	Improved     bool    `json:"improved"`
}

// Report describes a finished run.
type Report struct {
	RunID         string        `json:"run_id"`
	Model         string        `json:"model"`
	State         State         `json:"state"`
	EpochsRun     int           `json:"epochs_run"`
	BestEpoch     int           `json:"best_epoch"`
	BestValLoss   float64       `json:"best_val_loss"`
	TrainLosses   []float64     `json:"train_losses"`
	ValLosses     []float64     `json:"val_losses"`
	LearningRates []float64     `json:"learning_rates"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// MarshalJSON writes a BestValLoss that never became finite as null.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	var best *float64
	if v := r.BestValLoss; !math.IsNaN(v) && !math.IsInf(v, 0) {
		best = &v
	}
	return json.Marshal(struct {
		alias
		BestValLoss *float64 `json:"best_val_loss"`
	}{alias(r), best})
}

// UnmarshalJSON reads a null BestValLoss back as +Inf.
func (r *Report) UnmarshalJSON(data []byte) error {
	type alias Report
	aux := struct {
		*alias
		BestValLoss *float64 `json:"best_val_loss"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.BestValLoss = math.Inf(1)
	if aux.BestValLoss != nil {
		r.BestValLoss = *aux.BestValLoss
	}
	return nil
}

// Trainer optimizes one Learner. A Trainer runs once.
type Trainer[E any] struct {
	name    string
	learner Learner[E]
	s       settings
	state   State
	rng     *rand.Rand
}

// New validates the schedule and returns a trainer for learner. name labels
// logs and metrics.
func New[E any](name string, learner Learner[E], opts ...Option) (*Trainer[E], error) {
	s := settings{cfg: DefaultSequenceConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("training")
	}
	c := s.cfg
	if c.Epochs < 1 || c.BatchSize < 1 || c.LearningRate <= 0 || c.Patience < 1 || c.ClipNorm <= 0 ||
		c.SchedulerFactor <= 0 || c.SchedulerFactor >= 1 || c.SchedulerPatience < 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidConfig, c)
	}
	return &Trainer[E]{
		name:    name,
		learner: learner,
		s:       s,
		state:   StateInit,
		rng:     rand.New(rand.NewSource(c.Seed)),
	}, nil
}

// State returns the current phase.
func (t *Trainer[E]) State() State { return t.state }

func (t *Trainer[E]) transition(ctx context.Context, next State, fields ...logger.Field) {
	fields = append(fields, logger.String("model", t.name), logger.String("from", string(t.state)), logger.String("to", string(next)))
	t.s.logger.Debug(ctx, "training state change", fields...)
	t.state = next
}

// Run trains on train, monitors val and returns the run report. The best
// weights are loaded into the learner before Run returns, including on
// divergence and cancellation. An empty val monitors the training loss.
func (t *Trainer[E]) Run(ctx context.Context, train, val []E) (*Report, error) {
	if len(train) == 0 {
		return nil, ErrNoTrainingData
	}
	cfg := t.s.cfg
	ps := t.learner.Params()
	opt := nn.NewAdam(ps.Trainable(), cfg.LearningRate)
	sched := nn.NewPlateau(cfg.SchedulerFactor, cfg.SchedulerPatience)
	dropout := rand.New(rand.NewSource(cfg.Seed + 1))

	r := &Report{
		RunID:       uuid.NewString(),
		Model:       t.name,
		BestValLoss: math.Inf(1),
		StartedAt:   time.Now().UTC(),
	}
	var best map[string]nn.TensorState
	restore := func() {
		if best != nil {
			// Shapes cannot differ: the snapshot came from the same set.
			_ = ps.Load(best)
		}
		r.Duration = time.Since(r.StartedAt)
	}
	if len(val) == 0 {
		t.s.logger.Warn(ctx, "empty validation split, monitoring training loss", logger.String("model", t.name))
	}

	t.s.logger.Info(ctx, "training started",
		logger.String("model", t.name),
		logger.String("run_id", r.RunID),
		logger.Int("train", len(train)),
		logger.Int("val", len(val)),
		logger.Int("params", ps.Count()),
	)

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		t.transition(ctx, StateTraining, logger.Int("epoch", epoch))
		if cfg.Shuffle {
			t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		sum := 0.0
		for start := 0; start < len(order); start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				restore()
				return r, err
			}
			end := min(start+cfg.BatchSize, len(order))
			batch := make([]E, 0, end-start)
			for _, i := range order[start:end] {
				batch = append(batch, train[i])
			}

			ps.ZeroGrad()
			tp := nn.NewTape(true, dropout)
			loss, err := t.learner.Loss(tp, batch)
			if err != nil {
				restore()
				return r, fmt.Errorf("epoch %d loss: %w", epoch, err)
			}
			if v := loss.Item(); math.IsNaN(v) || math.IsInf(v, 0) {
				return r, t.diverge(ctx, r, epoch, restore)
			}
			if err := tp.Backward(loss); err != nil {
				restore()
				return r, fmt.Errorf("epoch %d backward: %w", epoch, err)
			}
			nn.ClipGradNorm(ps.Trainable(), cfg.ClipNorm)
			opt.Step()
			sum += loss.Item() * float64(len(batch))
		}
		trainLoss := sum / float64(len(train))

		t.transition(ctx, StateValidating, logger.Int("epoch", epoch))
		valLoss := trainLoss
		if len(val) > 0 {
			var err error
			valLoss, err = t.evaluate(val)
			if err != nil {
				restore()
				return r, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
		}
		if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
			return r, t.diverge(ctx, r, epoch, restore)
		}

		opt.LR, _ = sched.Step(valLoss, opt.LR)
		r.EpochsRun = epoch
		r.TrainLosses = append(r.TrainLosses, trainLoss)
		r.ValLosses = append(r.ValLosses, valLoss)
		r.LearningRates = append(r.LearningRates, opt.LR)
		metrics.RecordEpoch(t.name, trainLoss, valLoss, opt.LR)

		e := Epoch{RunID: r.RunID, Model: t.name, Number: epoch, TrainLoss: trainLoss, ValLoss: valLoss, LearningRate: opt.LR}
		if valLoss < r.BestValLoss {
			e.Improved = true
			r.BestValLoss, r.BestEpoch = valLoss, epoch
			best = ps.State()
			if t.s.ckpt != nil {
				if err := t.s.ckpt.SaveBest(ctx, e); err != nil {
					restore()
					return r, fmt.Errorf("save best epoch %d: %w", epoch, err)
				}
			}
		}
		if t.s.onEpoch != nil {
			t.s.onEpoch(e)
		}
		t.s.logger.Debug(ctx, "epoch done",
			logger.String("model", t.name),
			logger.Int("epoch", epoch),
			logger.Float64("train_loss", trainLoss),
			logger.Float64("val_loss", valLoss),
			logger.Float64("lr", opt.LR),
		)

		if epoch-r.BestEpoch >= cfg.Patience {
			t.transition(ctx, StateEarlyStopped, logger.Int("epoch", epoch), logger.Int("best_epoch", r.BestEpoch))
			metrics.RecordEarlyStop(t.name)
			break
		}
	}
	if t.state != StateEarlyStopped {
		t.transition(ctx, StateEpochsExhausted)
	}
	r.State = t.state
	restore()

	if t.s.ckpt != nil {
		if err := t.s.ckpt.SaveFinal(ctx, r); err != nil {
			return r, fmt.Errorf("save final: %w", err)
		}
		t.transition(ctx, StateSaved)
		r.State = t.state
	}

	t.s.logger.Info(ctx, "training finished",
		logger.String("model", t.name),
		logger.String("state", string(r.State)),
		logger.Int("epochs", r.EpochsRun),
		logger.Int("best_epoch", r.BestEpoch),
		logger.Float64("best_val_loss", r.BestValLoss),
		logger.Duration("elapsed", r.Duration),
	)
	return r, nil
}

func (t *Trainer[E]) diverge(ctx context.Context, r *Report, epoch int, restore func()) error {
	t.transition(ctx, StateDiverged, logger.Int("epoch", epoch))
	r.State = t.state
	metrics.RecordDivergence(t.name)
	restore()
	t.s.logger.Error(ctx, "training diverged", logger.String("model", t.name), logger.Int("epoch", epoch))
	return fmt.Errorf("%w at epoch %d", ErrDiverged, epoch)
}

// evaluate returns the example-weighted mean loss over data without
// recording gradients.
func (t *Trainer[E]) evaluate(data []E) (float64, error) {
	return MeanLoss(t.learner, data, t.s.cfg.BatchSize)
}

// MeanLoss is the example-weighted mean loss of learner over data in
// eval mode.
func MeanLoss[E any](learner Learner[E], data []E, batchSize int) (float64, error) {
	if len(data) == 0 {
		return 0, ErrNoTrainingData
	}
	sum := 0.0
	for start := 0; start < len(data); start += batchSize {
		end := min(start+batchSize, len(data))
		loss, err := learner.Loss(nn.NewTape(false, nil), data[start:end])
		if err != nil {
			return 0, err
		}
		sum += loss.Item() * float64(end-start)
	}
	return sum / float64(len(data)), nil
}
