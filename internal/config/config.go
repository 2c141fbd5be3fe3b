// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New() returns a Config holding every default.
//   - Load(ctx) layers .env, an optional YAML file and SPEEDCAST_* env vars
//     over the defaults, then validates the result.
package config

import (
	"runtime"
	"time"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/training"
)

// Config contains process configuration for both the server and the
// training job.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server    ServerConfig          `koanf:"server"`
	Models    ModelsConfig          `koanf:"models"`
	Sequence  models.SequenceConfig `koanf:"sequence"`
	Graph     models.GraphConfig    `koanf:"graph"`
	Features  FeaturesConfig        `koanf:"features"`
	Training  TrainingConfig        `koanf:"training"`
	Publisher PublisherConfig       `koanf:"publisher"`
	Source    SourceConfig          `koanf:"source"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// ModelsConfig locates checkpoints and picks the model served first.
type ModelsConfig struct {
	CheckpointDir string `koanf:"checkpoint_dir" validate:"required"`
	Default       string `koanf:"default" validate:"oneof=sequence graph lstm gnn"`

	// SynthesisNoise is the std of the noise added to synthesized windows.
	// Zero keeps predictions without history deterministic.
	SynthesisNoise float64 `koanf:"synthesis_noise" validate:"gte=0"`
	SynthesisSeed  int64   `koanf:"synthesis_seed"`
}

// FeaturesConfig tunes the feature pipeline and the segment catalog.
type FeaturesConfig struct {
	// Workers bounds the parallel segment partitions; 0 means NumCPU.
	Workers int `koanf:"workers" validate:"gte=0"`
	// AdjacencyThreshold is the neighbour radius in degrees.
	AdjacencyThreshold float64 `koanf:"adjacency_threshold" validate:"gt=0"`
}

// TrainingConfig drives the offline training job.
type TrainingConfig struct {
	// Models lists the model types to train.
	Models              []string        `koanf:"models" validate:"min=1,dive,oneof=sequence graph lstm gnn"`
	Split               string          `koanf:"split" validate:"oneof=chronological positional"`
	TrainFraction       float64         `koanf:"train_fraction" validate:"gt=0,lt=1"`
	ValFraction         float64         `koanf:"val_fraction" validate:"gte=0,lt=1"`
	MaxSnapshots        int             `koanf:"max_snapshots" validate:"gte=1"`
	RequireCompleteLags bool            `koanf:"require_complete_lags"`
	ReportPath          string          `koanf:"report_path"`
	Sequence            training.Config `koanf:"sequence"`
	Graph               training.Config `koanf:"graph"`
}

// PublisherConfig configures prediction event publishing. An empty
// RedisAddr disables Redis and events are discarded.
type PublisherConfig struct {
	RedisAddr       string        `koanf:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db" validate:"gte=0"`
	Channel         string        `koanf:"channel" validate:"required"`
	QueueSize       int           `koanf:"queue_size" validate:"gte=1"`
	Workers         int           `koanf:"workers" validate:"gte=1"`
	PublishTimeout  time.Duration `koanf:"publish_timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// SourceConfig selects where training records and the segment catalog come
// from.
type SourceConfig struct {
	Kind         string    `koanf:"kind" validate:"oneof=csv postgres"`
	CSVPath      string    `koanf:"csv_path" validate:"required_if=Kind csv"`
	SegmentsPath string    `koanf:"segments_path"`
	PostgresDSN  string    `koanf:"postgres_dsn" validate:"required_if=Kind postgres"`
	From         time.Time `koanf:"from"`
	To           time.Time `koanf:"to"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Models: ModelsConfig{
			CheckpointDir: "checkpoints",
			Default:       "sequence",
			SynthesisSeed: 42,
		},
		Sequence: models.DefaultSequenceConfig(),
		Graph:    models.DefaultGraphConfig(),
		Features: FeaturesConfig{
			Workers:            runtime.NumCPU(),
			AdjacencyThreshold: features.DefaultThreshold,
		},
		Training: TrainingConfig{
			Models:        []string{"sequence", "graph"},
			Split:         "chronological",
			TrainFraction: 0.70,
			ValFraction:   0.15,
			MaxSnapshots:  100,
			Sequence:      training.DefaultSequenceConfig(),
			Graph:         training.DefaultGraphConfig(),
		},
		Publisher: PublisherConfig{
			Channel:         "speedcast:predictions",
			QueueSize:       10_000,
			Workers:         runtime.NumCPU(),
			PublishTimeout:  5 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Source: SourceConfig{
			Kind:    "csv",
			CSVPath: "data/traffic.csv",
		},
	}
}
