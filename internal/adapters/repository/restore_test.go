package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/nn"
)

func fitScalers(t *testing.T, dim int) (*scaler.Scaler, *scaler.Scaler) {
	t.Helper()
	rows := [][]float64{make([]float64, dim), make([]float64, dim), make([]float64, dim)}
	for i := range rows {
		for j := range rows[i] {
			rows[i][j] = float64(i*dim + j)
		}
	}
	inputs, err := scaler.FitStandard(rows)
	if err != nil {
		t.Fatal(err)
	}
	target, err := scaler.FitMinMax([][]float64{{10}, {60}})
	if err != nil {
		t.Fatal(err)
	}
	return inputs, target
}

func window(n int) []features.Observation {
	ts := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	w, _ := features.SynthesizeWindow(ts, n, 30, 0, nil)
	return w
}

func TestCheckpoint_SequenceRestore(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	m, err := models.NewSequenceModel(models.SequenceConfig{
		InputSize: 5, Hidden: 4, Layers: 1, Heads: 2, Seed: 3, SeqLength: 3, OutputSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	inputs, target := fitScalers(t, 5)
	orig, err := models.NewSequencePredictor(m, inputs, target, features.SequenceColumns)
	if err != nil {
		t.Fatal(err)
	}
	want, err := orig.Predict(ctx, 1, window(3))
	if err != nil {
		t.Fatal(err)
	}

	cp, err := SequenceCheckpoint(m, inputs, target)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, KindFinal, cp); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(ctx, traffic.Sequence, KindFinal)
	if err != nil {
		t.Fatal(err)
	}
	p, err := loaded.Predictor()
	if err != nil {
		t.Fatal(err)
	}
	sp, ok := p.(*models.SequencePredictor)
	if !ok || sp.Length() != 3 {
		t.Fatalf("expected a sequence predictor with window 3, got %T", p)
	}
	got, err := p.Predict(ctx, 1, window(3))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("restored prediction %v differs from original %v", got, want)
	}
}

func TestCheckpoint_GraphRestore(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	adj, err := features.BuildAdjacency([]traffic.Segment{
		{ID: 1, StartLat: 41.0, StartLon: -87.0, EndLat: 41.0, EndLon: -87.01},
		{ID: 2, StartLat: 41.005, StartLon: -87.0, EndLat: 41.0, EndLon: -87.01},
		{ID: 3, StartLat: 42.0, StartLon: -87.0, EndLat: 42.0, EndLon: -87.01},
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := models.NewGraphModel(models.GraphConfig{InputSize: 6, Hidden: 4, Layers: 1, Heads: 2, Seed: 5}, adj)
	if err != nil {
		t.Fatal(err)
	}
	inputs, target := fitScalers(t, 6)
	orig, err := models.NewGraphPredictor(m, adj, inputs, target, features.GraphColumns)
	if err != nil {
		t.Fatal(err)
	}
	want, err := orig.Predict(ctx, 2, window(4))
	if err != nil {
		t.Fatal(err)
	}

	cp, err := GraphCheckpoint(m, adj, inputs, target)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, KindFinal, cp); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(ctx, traffic.Graph, KindFinal)
	if err != nil {
		t.Fatal(err)
	}
	p, err := loaded.Predictor()
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Predict(ctx, 2, window(4))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("restored prediction %v differs from original %v", got, want)
	}
	if _, err := p.Predict(ctx, 99, window(4)); !errors.Is(err, features.ErrUnknownSegment) {
		t.Errorf("expected ErrUnknownSegment, got %v", err)
	}
}

func TestCheckpoint_RestoreRejectsBadWeights(t *testing.T) {
	m, err := models.NewSequenceModel(models.SequenceConfig{
		InputSize: 5, Hidden: 4, Layers: 1, Heads: 2, Seed: 3, SeqLength: 3, OutputSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	inputs, target := fitScalers(t, 5)
	cp, err := SequenceCheckpoint(m, inputs, target)
	if err != nil {
		t.Fatal(err)
	}

	delete(cp.Weights, "fc2.bias")
	if _, err := cp.Predictor(); !errors.Is(err, ErrCorruptCheckpoint) || !errors.Is(err, nn.ErrMissingParam) {
		t.Errorf("expected corrupt checkpoint with missing param, got %v", err)
	}

	cp, _ = SequenceCheckpoint(m, inputs, target)
	cp.Config = []byte(`{"hidden":6}`)
	if _, err := cp.Predictor(); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("expected corrupt checkpoint for a config that does not match the weights, got %v", err)
	}
}
