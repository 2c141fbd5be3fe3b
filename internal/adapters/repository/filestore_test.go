package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/nn"
)

func sampleCheckpoint(model traffic.ModelType) *Checkpoint {
	cp := &Checkpoint{
		ModelType: model,
		RunID:     "run-1",
		Epoch:     7,
		Config:    json.RawMessage(`{"hidden":8}`),
		Columns:   features.SequenceColumns,
		Weights: map[string]nn.TensorState{
			"fc.weight": {Rows: 2, Cols: 1, Data: []float64{0.5, -0.25}},
		},
		FeatureScaler: scaler.State{Kind: scaler.KindStandard, Shift: []float64{1}, Scale: []float64{2}},
		TargetScaler:  scaler.State{Kind: scaler.KindMinMax, Shift: []float64{10}, Scale: []float64{50}},
	}
	if model == traffic.Graph {
		cp.Columns = features.GraphColumns
		cp.Graph = &GraphState{
			Segments:  []traffic.Segment{{ID: 1}, {ID: 2, StartLat: 0.005}},
			Edges:     []features.Edge{{I: 0, J: 1, Distance: 0.005}},
			Threshold: 0.01,
		}
	}
	return cp
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	for _, model := range traffic.ModelTypes {
		want := sampleCheckpoint(model)
		if err := store.Save(ctx, KindFinal, want); err != nil {
			t.Fatalf("save %s: %v", model, err)
		}
		got, err := store.Load(ctx, model, KindFinal)
		if err != nil {
			t.Fatalf("load %s: %v", model, err)
		}
		if got.Version != Version || got.RunID != "run-1" || got.Epoch != 7 {
			t.Errorf("metadata mismatch: %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected created_at to be stamped")
		}
		if w := got.Weights["fc.weight"]; w.Rows != 2 || w.Data[1] != -0.25 {
			t.Errorf("weights mismatch: %+v", w)
		}
		if got.TargetScaler.Shift[0] != 10 {
			t.Errorf("target scaler mismatch: %+v", got.TargetScaler)
		}
		if string(got.Config) != `{"hidden":8}` {
			t.Errorf("config mismatch: %s", got.Config)
		}
	}

	got, err := store.Load(ctx, traffic.Graph, KindFinal)
	if err != nil {
		t.Fatal(err)
	}
	adj := got.Graph.Adjacency()
	if i, ok := adj.Index(2); !ok || i != 1 {
		t.Errorf("expected segment 2 at node 1, got %d %v", i, ok)
	}
	if adj.Graph().Edges().Len() != 1 {
		t.Errorf("expected one edge in the rebuilt graph")
	}
}

func TestFileStore_KindsAreSeparateFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir, WithCompressionLevel(zstd.SpeedFastest))

	best := sampleCheckpoint(traffic.Sequence)
	best.Epoch = 3
	if err := store.Save(ctx, KindBest, best); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, traffic.Sequence, KindFinal); !errors.Is(err, ErrCheckpointMissing) {
		t.Errorf("expected ErrCheckpointMissing for final, got %v", err)
	}
	got, err := store.Load(ctx, traffic.Sequence, KindBest)
	if err != nil || got.Epoch != 3 {
		t.Fatalf("expected best epoch 3, got %v %v", got, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sequence.best.ckpt.zst")); err != nil {
		t.Errorf("expected best file on disk: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, found %d entries", len(entries))
	}
}

func TestFileStore_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)

	if _, err := store.Load(ctx, traffic.Graph, KindFinal); !errors.Is(err, ErrCheckpointMissing) {
		t.Errorf("expected ErrCheckpointMissing, got %v", err)
	}

	if err := os.WriteFile(store.Location(traffic.Sequence, KindFinal), []byte("not zstd"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, traffic.Sequence, KindFinal); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("expected ErrCorruptCheckpoint, got %v", err)
	}

	// A graph file renamed into the sequence slot is rejected.
	if err := store.Save(ctx, KindFinal, sampleCheckpoint(traffic.Graph)); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(store.Location(traffic.Graph, KindFinal), store.Location(traffic.Sequence, KindFinal)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, traffic.Sequence, KindFinal); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("expected ErrCorruptCheckpoint for wrong model, got %v", err)
	}

	bad := sampleCheckpoint(traffic.Graph)
	bad.Graph = nil
	if err := store.Save(ctx, KindFinal, bad); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Errorf("expected ErrInvalidCheckpoint, got %v", err)
	}

	future := sampleCheckpoint(traffic.Sequence)
	future.Version = Version + 1
	if err := store.Save(ctx, KindFinal, future); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Save(cctx, KindFinal, sampleCheckpoint(traffic.Sequence)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
