// Command train reads traffic records, trains the configured model types and
// writes the checkpoints the server loads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/adapters/source"
	"github.com/okian/speedcast/internal/config"
	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/pipeline"
	"github.com/okian/speedcast/pkg/logger"
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "training failed", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

// run trains every configured model type. The report is written even when
// some types fail.
func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get().Named("train")

	src, closeSource, err := openSource(ctx, &cfg.Source)
	if err != nil {
		return err
	}
	defer closeSource()

	opts := []pipeline.Option{
		pipeline.WithSequence(cfg.Sequence, cfg.Training.Sequence),
		pipeline.WithGraph(cfg.Graph, cfg.Training.Graph),
		pipeline.WithThreshold(cfg.Features.AdjacencyThreshold),
		pipeline.WithWorkers(cfg.Features.Workers),
		pipeline.WithDatasetOptions(
			dataset.WithSplit(dataset.SplitStrategy(cfg.Training.Split)),
			dataset.WithFractions(cfg.Training.TrainFraction, cfg.Training.ValFraction),
			dataset.WithMaxSnapshots(cfg.Training.MaxSnapshots),
			dataset.WithRequireCompleteLags(cfg.Training.RequireCompleteLags),
		),
		pipeline.WithLogger(log),
	}
	if cfg.Source.SegmentsPath != "" {
		segs, err := source.LoadSegments(ctx, cfg.Source.SegmentsPath)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithSegments(segs))
	}

	store := repository.NewFileStore(cfg.Models.CheckpointDir)
	res, runErr := pipeline.New(src, store, opts...).Run(ctx, cfg.TrainModels()...)
	if res == nil {
		return runErr
	}

	for _, r := range res.Runs {
		fields := []logger.Field{
			logger.String("model", string(r.Model)),
			logger.Int("train_examples", r.TrainSize),
			logger.Int("test_examples", r.TestSize),
		}
		if r.Report != nil {
			fields = append(fields,
				logger.String("run_id", r.Report.RunID),
				logger.String("state", string(r.Report.State)),
				logger.Int("best_epoch", r.Report.BestEpoch),
			)
		}
		if r.Metrics != nil {
			fields = append(fields,
				logger.Float64("mae", r.Metrics.MAE),
				logger.Float64("rmse", r.Metrics.RMSE),
			)
		}
		log.Info(ctx, "model trained", fields...)
	}
	if res.Evaluation != nil && len(res.Evaluation.Ranking) > 0 {
		log.Info(ctx, "best model", logger.String("model", res.Evaluation.Ranking[0].Model))
	}

	if path := cfg.Training.ReportPath; path != "" {
		if err := writeReport(path, res); err != nil {
			return errors.Join(runErr, err)
		}
		log.Info(ctx, "report written", logger.String("path", path))
	}
	return runErr
}

// openSource returns the configured record source and a func releasing it.
func openSource(ctx context.Context, cfg *config.SourceConfig) (source.Source, func(), error) {
	switch cfg.Kind {
	case "postgres":
		pool, err := source.OpenPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, func() {}, err
		}
		return source.NewPostgresSource(pool, source.WithTimeRange(cfg.From, cfg.To)), pool.Close, nil
	case "csv", "":
		return source.NewCSVSource(cfg.CSVPath), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func writeReport(path string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
