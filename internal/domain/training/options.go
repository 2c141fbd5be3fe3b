package training

import (
	"github.com/okian/speedcast/pkg/logger"
)

// Config holds the optimization schedule.
type Config struct {
	Epochs            int     `json:"epochs" koanf:"epochs" validate:"gte=1"`
	BatchSize         int     `json:"batch_size" koanf:"batch_size" validate:"gte=1"`
	LearningRate      float64 `json:"learning_rate" koanf:"learning_rate" validate:"gt=0"`
	Patience          int     `json:"patience" koanf:"patience" validate:"gte=1"`
	Shuffle           bool    `json:"shuffle" koanf:"shuffle"`
	Seed              int64   `json:"seed" koanf:"seed"`
	ClipNorm          float64 `json:"clip_norm" koanf:"clip_norm" validate:"gt=0"`
	SchedulerFactor   float64 `json:"scheduler_factor" koanf:"scheduler_factor" validate:"gt=0,lt=1"`
	SchedulerPatience int     `json:"scheduler_patience" koanf:"scheduler_patience" validate:"gte=0"`
}

// DefaultSequenceConfig is 100 epochs of shuffled batches of 32 with early
// stopping after 15 flat epochs.
func DefaultSequenceConfig() Config {
	return Config{
		Epochs:            100,
		BatchSize:         32,
		LearningRate:      0.001,
		Patience:          15,
		Shuffle:           true,
		Seed:              42,
		ClipNorm:          1.0,
		SchedulerFactor:   0.5,
		SchedulerPatience: 10,
	}
}

// DefaultGraphConfig is 200 epochs of one graph per step with early
// stopping after 20 flat epochs.
func DefaultGraphConfig() Config {
	return Config{
		Epochs:            200,
		BatchSize:         1,
		LearningRate:      0.001,
		Patience:          20,
		Shuffle:           false,
		Seed:              42,
		ClipNorm:          1.0,
		SchedulerFactor:   0.5,
		SchedulerPatience: 10,
	}
}

// Option configures a Trainer.
type Option func(*settings)

type settings struct {
	cfg     Config
	ckpt    Checkpointer
	logger  logger.Logger
	onEpoch func(Epoch)
}

// WithConfig replaces the schedule.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithCheckpointer persists best and final weights.
func WithCheckpointer(c Checkpointer) Option {
	return func(s *settings) { s.ckpt = c }
}

// WithLogger overrides the trainer logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEpochHook is called after every validated epoch.
func WithEpochHook(fn func(Epoch)) Option {
	return func(s *settings) { s.onEpoch = fn }
}
