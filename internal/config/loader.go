package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Environment variables read directly by Load.
const (
	EnvPrefix = "SPEEDCAST_"
	EnvConfig = "SPEEDCAST_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. .env in the working directory, if present; it never overrides the
//     process environment
//  3. file (YAML) if SPEEDCAST_CONFIG is set
//  4. env (prefix SPEEDCAST_, "__" separates nested keys)
func Load(_ context.Context) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path := os.Getenv(EnvConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// SPEEDCAST_SERVER__READ_TIMEOUT -> server.read_timeout
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	// ZeroFields replaces default slices instead of merging into them.
	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToTimeHookFunc(time.RFC3339),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Metadata:         nil,
			Result:           cfg,
			WeaklyTypedInput: true,
			ZeroFields:       true,
			TagName:          "koanf",
		},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Training.TrainFraction+c.Training.ValFraction >= 1 {
		return fmt.Errorf("%w: train_fraction %.2f + val_fraction %.2f leaves no test split",
			ErrInvalidConfig, c.Training.TrainFraction, c.Training.ValFraction)
	}
	if !c.Source.From.IsZero() && !c.Source.To.IsZero() && !c.Source.From.Before(c.Source.To) {
		return fmt.Errorf("%w: source.from must precede source.to", ErrInvalidConfig)
	}
	if err := c.Sequence.Validate(); err != nil {
		return fmt.Errorf("%w: sequence: %w", ErrInvalidConfig, err)
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("%w: graph: %w", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultModel resolves Models.Default, accepting the lstm and gnn aliases.
func (c *Config) DefaultModel() traffic.ModelType {
	t, err := traffic.ParseModelType(c.Models.Default)
	if err != nil {
		return traffic.Sequence
	}
	return t
}

// TrainModels resolves Training.Models, dropping duplicates.
func (c *Config) TrainModels() []traffic.ModelType {
	seen := make(map[traffic.ModelType]bool)
	var out []traffic.ModelType
	for _, name := range c.Training.Models {
		t, err := traffic.ParseModelType(name)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
