// Package repository persists trained models as versioned, compressed
// checkpoints.
package repository

import (
	"context"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Kind distinguishes the serving checkpoint from the best-epoch snapshot
// written during training.
type Kind string

const (
	KindFinal Kind = "final"
	KindBest  Kind = "best"
)

// Store provides read/write access to checkpoints.
type Store interface {
	// Save atomically replaces the checkpoint of cp.ModelType and kind.
	Save(ctx context.Context, kind Kind, cp *Checkpoint) error

	// Load returns the checkpoint of model and kind.
	// Returns ErrCheckpointMissing if none was saved.
	Load(ctx context.Context, model traffic.ModelType, kind Kind) (*Checkpoint, error)

	// Location describes where a checkpoint lives, for logs.
	Location(model traffic.ModelType, kind Kind) string
}
