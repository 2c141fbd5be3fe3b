// Package pipeline runs the offline training job: records from a source are
// turned into features, assembled into datasets, trained, evaluated on the
// held-out split and written as serving checkpoints.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/adapters/source"
	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/domain/evaluation"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/domain/training"
	"github.com/okian/speedcast/pkg/logger"
)

// evalBatch bounds the windows per forward pass during evaluation.
const evalBatch = 256

// Pipeline trains one or more model types from a single record source.
type Pipeline struct {
	source source.Source
	store  repository.Store

	segments         []traffic.Segment
	sequence         models.SequenceConfig
	sequenceTraining training.Config
	graph            models.GraphConfig
	graphTraining    training.Config
	datasetOpts      []dataset.Option
	threshold        float64
	workers          int

	logger logger.Logger
}

// Run is the outcome of training one model type.
type Run struct {
	Model   traffic.ModelType   `json:"model"`
	Report  *training.Report    `json:"training"`
	Metrics *evaluation.Metrics `json:"metrics,omitempty"`

	TrainSize int `json:"train_examples"`
	ValSize   int `json:"val_examples"`
	TestSize  int `json:"test_examples"`
	// Skipped counts segments too short for a single window.
	Skipped int `json:"skipped_segments,omitempty"`
}

// Result summarizes a pipeline execution.
type Result struct {
	Records    int                        `json:"records"`
	Rows       int                        `json:"feature_rows"`
	Segments   int                        `json:"segments"`
	Runs       map[traffic.ModelType]*Run `json:"runs"`
	Evaluation *evaluation.Report         `json:"evaluation,omitempty"`
	Elapsed    time.Duration              `json:"elapsed"`
}

// New creates a pipeline reading from src and writing to store.
func New(src source.Source, store repository.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:           src,
		store:            store,
		sequence:         models.DefaultSequenceConfig(),
		sequenceTraining: training.DefaultSequenceConfig(),
		graph:            models.DefaultGraphConfig(),
		graphTraining:    training.DefaultGraphConfig(),
		threshold:        features.DefaultThreshold,
		logger:           logger.Get().Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run trains every requested type. A failing type does not stop the others;
// the joined errors are returned next to the partial result.
func (p *Pipeline) Run(ctx context.Context, types ...traffic.ModelType) (*Result, error) {
	start := time.Now()
	if len(types) == 0 {
		types = traffic.ModelTypes
	}

	records, err := p.source.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	rows, err := features.NewBuilder(features.WithWorkers(p.workers), features.WithLogger(p.logger)).Build(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("build features: %w", err)
	}

	segs := p.segments
	if len(segs) == 0 {
		segs = features.SegmentsFromRecords(records)
	}

	res := &Result{
		Records:  len(records),
		Rows:     len(rows),
		Segments: len(segs),
		Runs:     make(map[traffic.ModelType]*Run, len(types)),
	}
	eval := evaluation.New()

	var errs []error
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var run *Run
		switch t {
		case traffic.Sequence:
			run, err = p.trainSequence(ctx, rows, eval)
		case traffic.Graph:
			run, err = p.trainGraph(ctx, rows, segs, eval)
		default:
			err = fmt.Errorf("%w: %q", ErrUnsupportedType, t)
		}
		if run != nil {
			res.Runs[t] = run
		}
		if err != nil {
			p.logger.Error(ctx, "model training failed", logger.String("model", string(t)), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}

	if len(eval.All()) > 0 {
		report, err := eval.Report()
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluation report: %w", err))
		} else {
			res.Evaluation = report
		}
	}
	res.Elapsed = time.Since(start)

	p.logger.Info(ctx, "pipeline finished",
		logger.Int("records", res.Records),
		logger.Int("rows", res.Rows),
		logger.Int("segments", res.Segments),
		logger.Int("trained", len(res.Runs)),
		logger.Duration("elapsed", res.Elapsed),
	)
	return res, errors.Join(errs...)
}

func (p *Pipeline) datasetOptions() []dataset.Option {
	return append(append([]dataset.Option(nil), p.datasetOpts...), dataset.WithSequenceLength(p.sequence.SeqLength))
}

func (p *Pipeline) trainSequence(ctx context.Context, rows []features.FeatureRow, eval *evaluation.Evaluator) (*Run, error) {
	asm, err := dataset.NewSequenceAssembler(p.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	ds, err := asm.Assemble(rows)
	if err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "sequence dataset assembled",
		logger.Int("train", len(ds.Train)),
		logger.Int("val", len(ds.Val)),
		logger.Int("test", len(ds.Test)),
		logger.Int("skipped_segments", ds.Skipped),
	)

	m, err := models.NewSequenceModel(p.sequence)
	if err != nil {
		return nil, err
	}
	held := heldOut(ds.Test, ds.Val)
	ckpt := &checkpointer{
		store: p.store,
		snapshot: func() (*repository.Checkpoint, error) {
			return repository.SequenceCheckpoint(m, ds.FeatureScaler, ds.TargetScaler)
		},
		evaluate: func() (*evaluation.Metrics, error) {
			if len(held) == 0 {
				return nil, nil
			}
			actual, predicted, err := predictSequences(m, ds, held)
			if err != nil {
				return nil, err
			}
			met, err := eval.Add(string(traffic.Sequence), actual, predicted)
			if err != nil {
				return nil, err
			}
			return &met, nil
		},
	}

	tr, err := training.New(string(traffic.Sequence), m,
		training.WithConfig(p.sequenceTraining),
		training.WithCheckpointer(ckpt),
		training.WithLogger(p.logger.Named("sequence")),
	)
	if err != nil {
		return nil, err
	}
	report, err := tr.Run(ctx, ds.Train, ds.Val)
	return &Run{
		Model:     traffic.Sequence,
		Report:    report,
		Metrics:   ckpt.metrics,
		TrainSize: len(ds.Train),
		ValSize:   len(ds.Val),
		TestSize:  len(ds.Test),
		Skipped:   ds.Skipped,
	}, err
}

func (p *Pipeline) trainGraph(ctx context.Context, rows []features.FeatureRow, segs []traffic.Segment, eval *evaluation.Evaluator) (*Run, error) {
	adj, err := features.BuildAdjacency(segs, features.WithThreshold(p.threshold))
	if err != nil {
		return nil, err
	}
	asm, err := dataset.NewGraphAssembler(p.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	ds, err := asm.Assemble(rows, adj)
	if err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "graph dataset assembled",
		logger.Int("nodes", adj.Len()),
		logger.Int("edges", len(adj.Edges)),
		logger.Int("timestamps", ds.Timestamps),
		logger.Int("train", len(ds.Train)),
		logger.Int("val", len(ds.Val)),
		logger.Int("test", len(ds.Test)),
	)

	m, err := models.NewGraphModel(p.graph, adj)
	if err != nil {
		return nil, err
	}
	held := heldOut(ds.Test, ds.Val)
	ckpt := &checkpointer{
		store: p.store,
		snapshot: func() (*repository.Checkpoint, error) {
			return repository.GraphCheckpoint(m, adj, ds.FeatureScaler, ds.TargetScaler)
		},
		evaluate: func() (*evaluation.Metrics, error) {
			actual, predicted, err := predictSnapshots(m, ds, held)
			if err != nil || len(actual) == 0 {
				return nil, err
			}
			met, err := eval.Add(string(traffic.Graph), actual, predicted)
			if err != nil {
				return nil, err
			}
			return &met, nil
		},
	}

	tr, err := training.New(string(traffic.Graph), m,
		training.WithConfig(p.graphTraining),
		training.WithCheckpointer(ckpt),
		training.WithLogger(p.logger.Named("graph")),
	)
	if err != nil {
		return nil, err
	}
	report, err := tr.Run(ctx, ds.Train, ds.Val)
	return &Run{
		Model:     traffic.Graph,
		Report:    report,
		Metrics:   ckpt.metrics,
		TrainSize: len(ds.Train),
		ValSize:   len(ds.Val),
		TestSize:  len(ds.Test),
	}, err
}

// heldOut prefers the test split and falls back to validation.
func heldOut[E any](test, val []E) []E {
	if len(test) > 0 {
		return test
	}
	return val
}

// predictSequences returns raw targets and denormalized predictions.
func predictSequences(m *models.SequenceModel, ds *dataset.SequenceDataset, held []dataset.Sequence) ([]float64, []float64, error) {
	actual := make([]float64, 0, len(held))
	predicted := make([]float64, 0, len(held))
	for start := 0; start < len(held); start += evalBatch {
		batch := held[start:min(start+evalBatch, len(held))]
		windows := make([][][]float64, len(batch))
		for i, s := range batch {
			windows[i] = s.Inputs
			actual = append(actual, s.RawTarget)
		}
		out, err := m.PredictNormalized(windows)
		if err != nil {
			return nil, nil, err
		}
		for _, v := range out {
			predicted = append(predicted, ds.TargetScaler.InverseScalar(v))
		}
	}
	return actual, predicted, nil
}

// predictSnapshots scores observed nodes only; imputed nodes carry the
// default speed rather than a reading.
func predictSnapshots(m *models.GraphModel, ds *dataset.GraphDataset, held []dataset.Snapshot) ([]float64, []float64, error) {
	var actual, predicted []float64
	for _, s := range held {
		out, err := m.PredictNormalized(s.Nodes)
		if err != nil {
			return nil, nil, err
		}
		for i, v := range out {
			if !s.Observed[i] {
				continue
			}
			actual = append(actual, s.RawTargets[i])
			predicted = append(predicted, ds.TargetScaler.InverseScalar(v))
		}
	}
	return actual, predicted, nil
}
