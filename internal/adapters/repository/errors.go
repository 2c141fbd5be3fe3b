package repository

import "errors"

// Sentinel kinds for checkpoint errors.
var (
	ErrCheckpointMissing  = errors.New("checkpoint not found")
	ErrCorruptCheckpoint  = errors.New("checkpoint is corrupt")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint")
)
