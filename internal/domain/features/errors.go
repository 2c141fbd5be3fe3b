package features

import "errors"

// Sentinel errors for the feature pipeline.
var (
	ErrUnknownColumn     = errors.New("unknown feature column")
	ErrDuplicateSegment  = errors.New("duplicate segment id")
	ErrInvalidThreshold  = errors.New("adjacency threshold must be positive")
	ErrUnknownSegment    = errors.New("segment not in adjacency")
	ErrInvalidWindowSize = errors.New("window length must be positive")
)
