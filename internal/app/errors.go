package app

import (
	"errors"

	"github.com/okian/speedcast/internal/adapters/repository"
)

// Sentinel kinds for serving errors.
var (
	ErrModelNotLoaded   = errors.New("model not loaded")
	ErrNoActiveModel    = errors.New("no active model")
	ErrInvalidModelType = errors.New("invalid model type")
	ErrUnknownSegment   = errors.New("unknown segment")
	ErrInvalidRequest   = errors.New("invalid prediction request")
	ErrNotStarted       = errors.New("service not started")

	// ErrCheckpointMissing is returned by Load when no checkpoint exists.
	// Callers treat it as non-fatal.
	ErrCheckpointMissing = repository.ErrCheckpointMissing
)
